package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"
)

const (
	liveModel = "models/gemini-2.5-flash-native-audio-preview-12-2025"

	// InputSampleRate is what the live model expects for microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is what the live model synthesizes speech at.
	OutputSampleRate = 24000
)

// Proxy manages one live connection to the Gemini API using the official
// SDK. One proxy serves exactly one tutoring session.
type Proxy struct {
	client  *genai.Client
	session *genai.Session

	// Callbacks for handling responses
	OnAudioRaw func(base64Data string) // Raw base64 (avoids re-encoding)
	OnText     func(text string)
	OnComplete func()
	OnError    func(err error)

	mu     sync.RWMutex
	closed bool
}

// NewProxy creates a Gemini client bound to the caller's credential
func NewProxy(ctx context.Context, apiKey string) (*Proxy, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Proxy{
		client: client,
	}, nil
}

// Setup establishes the live session with the tutoring persona
func (gp *Proxy) Setup(ctx context.Context, systemPrompt string) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return fmt.Errorf("proxy is closed")
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: systemPrompt},
			},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: "Zephyr",
				},
			},
		},
	}

	session, err := gp.client.Live.Connect(ctx, liveModel, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}

	gp.session = session
	log.Printf("✅ Connected to Gemini Live (%s)", liveModel)
	return nil
}

// StartReceiving begins listening for Gemini responses
func (gp *Proxy) StartReceiving(ctx context.Context) {
	go func() {
		for {
			gp.mu.RLock()
			if gp.closed || gp.session == nil {
				gp.mu.RUnlock()
				return
			}
			session := gp.session
			gp.mu.RUnlock()

			// Receive blocks until a message arrives or error occurs
			resp, err := session.Receive()
			if err != nil {
				gp.mu.RLock()
				closed := gp.closed
				gp.mu.RUnlock()

				if !closed {
					log.Printf("❌ Gemini receive error: %v", err)
					if gp.OnError != nil {
						gp.OnError(err)
					}
				}
				return
			}

			gp.handleResponse(resp)
		}
	}()
}

func (gp *Proxy) handleResponse(resp *genai.LiveServerMessage) {
	if resp.ServerContent == nil {
		return
	}

	if resp.ServerContent.ModelTurn != nil {
		for _, part := range resp.ServerContent.ModelTurn.Parts {
			if part.Text != "" && gp.OnText != nil {
				gp.OnText(part.Text)
			}
			if part.InlineData != nil && gp.OnAudioRaw != nil {
				encoded := base64.StdEncoding.EncodeToString(part.InlineData.Data)
				gp.OnAudioRaw(encoded)
			}
		}
	}

	if resp.ServerContent.TurnComplete && gp.OnComplete != nil {
		gp.OnComplete()
	}
}

// SendAudio forwards an audio chunk to Gemini
func (gp *Proxy) SendAudio(audioData []byte) error {
	return gp.sendRealtimeInput(audioData)
}

// SendAudioBatch sends one complete utterance and signals end of stream,
// which triggers Gemini to process the accumulated audio and respond.
func (gp *Proxy) SendAudioBatch(audioData []byte) error {
	if len(audioData) == 0 {
		return nil
	}

	if err := gp.sendRealtimeInput(audioData); err != nil {
		return fmt.Errorf("failed to send audio batch: %w", err)
	}

	return gp.sendTurnComplete()
}

func (gp *Proxy) sendRealtimeInput(data []byte) error {
	gp.mu.RLock()
	session := gp.session
	closed := gp.closed
	gp.mu.RUnlock()

	if closed || session == nil {
		return fmt.Errorf("proxy is closed or not connected")
	}

	err := session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", InputSampleRate),
			Data:     data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	return nil
}

func (gp *Proxy) sendTurnComplete() error {
	gp.mu.RLock()
	session := gp.session
	closed := gp.closed
	gp.mu.RUnlock()

	if closed || session == nil {
		return fmt.Errorf("proxy is closed or not connected")
	}

	err := session.SendRealtimeInput(genai.LiveRealtimeInput{
		AudioStreamEnd: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}

	return nil
}

// Close terminates the Gemini connection
func (gp *Proxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
