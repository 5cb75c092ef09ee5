// Package dispatch orchestrates one request/response cycle against the
// relay: text turns over a plain POST, audio turns over a session-scoped
// websocket. Every failure is caught here and converted to a faults.Fault
// plus an activity entry; nothing escapes as an uncaught error.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"lingua-live/activity"
	"lingua-live/chat"
	"lingua-live/faults"
	"lingua-live/gemini"
	"lingua-live/messages"
	"lingua-live/state"
)

// DefaultTurnTimeout bounds an audio turn's inactivity: if the remote stays
// silent this long the turn resolves (truncated success with fragments in
// hand, Timeout fault without).
const DefaultTurnTimeout = 30 * time.Second

// Turn carries everything a single turn needs besides its payload. The
// history must not include the in-flight message; the dispatcher sends the
// payload separately.
type Turn struct {
	Credential     string
	TargetLanguage string
	NativeLanguage string
	History        []chat.Message
}

// Dispatcher submits turns to the relay and drives the session state
// machine from their outcomes.
type Dispatcher struct {
	TurnTimeout time.Duration

	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	state      *state.Machine
	log        *activity.Log
}

// New creates a dispatcher against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, st *state.Machine, log *activity.Log) *Dispatcher {
	return &Dispatcher{
		TurnTimeout: DefaultTurnTimeout,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{},
		dialer:      websocket.DefaultDialer,
		state:       st,
		log:         log,
	}
}

func historyTurns(history []chat.Message) []messages.HistoryTurn {
	out := make([]messages.HistoryTurn, 0, len(history))
	for _, m := range history {
		out = append(out, messages.HistoryTurn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// TextTurn submits one text message and awaits the full reply. The loading
// flag is held for the duration.
func (d *Dispatcher) TextTurn(ctx context.Context, turn Turn, message string) (string, error) {
	d.state.SetLoading(true)
	defer d.state.SetLoading(false)

	body, err := sonic.Marshal(messages.ChatRequest{
		APIKey:         turn.Credential,
		Message:        message,
		TargetLanguage: turn.TargetLanguage,
		NativeLanguage: turn.NativeLanguage,
		History:        historyTurns(turn.History),
	})
	if err != nil {
		return "", faults.Wrap(faults.Unknown, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", faults.Wrap(faults.Unknown, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.state.SetConnected(false)
		return "", d.fail(faults.Wrap(faults.Unknown, "text turn transport", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.state.SetConnected(false)
		return "", d.fail(faults.Wrap(faults.Unknown, "read response", err))
	}

	if resp.StatusCode == http.StatusOK {
		var chatResp messages.ChatResponse
		if err := sonic.Unmarshal(respBody, &chatResp); err != nil {
			d.state.SetConnected(false)
			return "", d.fail(faults.Wrap(faults.Decode, "malformed response", err))
		}
		d.state.SetConnected(true)
		d.log.Append(activity.KindTurn, "text turn completed")
		return chatResp.Response, nil
	}

	remoteMsg := remoteErrorMessage(respBody)
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		faults.ClassifyRemote(remoteMsg) == faults.InvalidCredential:
		// Credential problems say nothing about transport health.
		return "", d.fail(faults.New(faults.InvalidCredential, remoteMsg))
	case resp.StatusCode == http.StatusBadRequest:
		return "", d.fail(faults.New(faults.Remote, remoteMsg))
	default:
		d.state.SetConnected(false)
		return "", d.fail(faults.New(faults.Remote, remoteMsg))
	}
}

// remoteErrorMessage pulls the error string out of an {error} body, falling
// back to the raw body.
func remoteErrorMessage(body []byte) string {
	var apiErr messages.APIError
	if err := sonic.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return strings.TrimSpace(string(body))
}

func (d *Dispatcher) fail(f *faults.Fault) *faults.Fault {
	d.log.Append(activity.KindError, f.Error())
	return f
}

// inboundMessage mirrors messages.ServerMessage with a raw payload for
// per-type decoding on the receive side.
type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type liveResult struct {
	chunks     []string
	sampleRate int
	err        error
}

// resultCell is a single-assignment outcome for the live turn: open,
// message, error, close and timeout all race to settle it, the first wins
// and the rest become no-ops.
type resultCell struct {
	ch chan liveResult
}

func newResultCell() *resultCell {
	return &resultCell{ch: make(chan liveResult, 1)}
}

func (c *resultCell) settle(r liveResult) {
	select {
	case c.ch <- r:
	default:
	}
}

func (c *resultCell) wait() liveResult {
	return <-c.ch
}

// AudioTurn submits one encoded utterance over the live endpoint and
// accumulates every synthesized fragment, in arrival order, until the
// remote signals completion, the connection closes, or the inactivity
// timeout elapses. Returns the ordered chunks and their sample rate.
func (d *Dispatcher) AudioTurn(ctx context.Context, turn Turn, encodedAudio string) ([]string, int, error) {
	d.state.SetProcessingAudio(true)
	defer d.state.SetProcessingAudio(false)

	conn, _, err := d.dialer.DialContext(ctx, d.wsURL(), nil)
	if err != nil {
		d.state.SetConnected(false)
		return nil, 0, d.fail(faults.Wrap(faults.Unknown, "live connection failed", err))
	}
	defer conn.Close()

	if err := writeClientMessage(conn, "config", messages.ConfigPayload{
		APIKey:         turn.Credential,
		TargetLanguage: turn.TargetLanguage,
		NativeLanguage: turn.NativeLanguage,
	}); err != nil {
		d.state.SetConnected(false)
		return nil, 0, d.fail(faults.Wrap(faults.Unknown, "send config", err))
	}

	res := d.runLiveTurn(ctx, conn, encodedAudio)
	if res.err != nil {
		if faults.KindOf(res.err) != faults.InvalidCredential {
			d.state.SetConnected(false)
		}
		var f *faults.Fault
		if ff, ok := res.err.(*faults.Fault); ok {
			f = ff
		} else {
			f = faults.Wrap(faults.Unknown, "audio turn", res.err)
		}
		return nil, 0, d.fail(f)
	}

	d.state.SetConnected(true)
	d.log.Append(activity.KindAudio, fmt.Sprintf("audio turn completed, %d fragments", len(res.chunks)))
	return res.chunks, res.sampleRate, nil
}

// runLiveTurn consumes server events until the one-shot result settles.
// The audio payload is only sent once the relay confirms the upstream
// session is open.
func (d *Dispatcher) runLiveTurn(ctx context.Context, conn *websocket.Conn, encodedAudio string) liveResult {
	cell := newResultCell()

	pumpDone := make(chan struct{})
	defer close(pumpDone)
	events := make(chan inboundMessage, 32)
	go readPump(conn, events, pumpDone)

	var chunks []string
	sampleRate := gemini.OutputSampleRate

	timer := time.NewTimer(d.TurnTimeout)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.TurnTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			cell.settle(liveResult{err: faults.Wrap(faults.Unknown, "turn canceled", ctx.Err())})
			return cell.wait()

		case <-timer.C:
			if len(chunks) > 0 {
				// Truncated synthesis still plays; ship what arrived.
				cell.settle(liveResult{chunks: chunks, sampleRate: sampleRate})
			} else {
				cell.settle(liveResult{err: faults.New(faults.Timeout, "no response from the live endpoint")})
			}
			return cell.wait()

		case msg, ok := <-events:
			if !ok {
				// Connection closed: the turn is over with whatever arrived.
				cell.settle(liveResult{chunks: chunks, sampleRate: sampleRate})
				return cell.wait()
			}
			resetTimer()

			switch msg.Type {
			case messages.TypeStatus:
				var status messages.StatusPayload
				if err := sonic.Unmarshal(msg.Payload, &status); err != nil {
					continue
				}
				switch status.Status {
				case messages.StatusConnected:
					if err := d.sendUtterance(conn, encodedAudio); err != nil {
						cell.settle(liveResult{err: faults.Wrap(faults.Unknown, "send audio", err)})
						return cell.wait()
					}
				case messages.StatusTurnComplete:
					cell.settle(liveResult{chunks: chunks, sampleRate: sampleRate})
					return cell.wait()
				}

			case messages.TypeAudio:
				var audio messages.AudioResponsePayload
				if err := sonic.Unmarshal(msg.Payload, &audio); err != nil {
					continue
				}
				chunks = append(chunks, audio.Data)
				if rate := parseRate(audio.MimeType); rate > 0 {
					sampleRate = rate
				}

			case messages.TypeError:
				var remote messages.ErrorPayload
				if err := sonic.Unmarshal(msg.Payload, &remote); err != nil {
					continue
				}
				kind := faults.ClassifyRemote(remote.Message)
				if remote.Code == messages.ErrCodeInvalidCredential {
					kind = faults.InvalidCredential
				}
				// Remote errors supersede any partial success.
				cell.settle(liveResult{err: faults.New(kind, remote.Message)})
				return cell.wait()
			}
		}
	}
}

// sendUtterance ships the whole utterance as one chunk followed by the
// end-of-turn control.
func (d *Dispatcher) sendUtterance(conn *websocket.Conn, encodedAudio string) error {
	if err := writeClientMessage(conn, "audio", messages.AudioPayload{Data: encodedAudio}); err != nil {
		return err
	}
	return writeClientMessage(conn, "control", messages.ControlPayload{Action: "end_turn"})
}

func readPump(conn *websocket.Conn, events chan<- inboundMessage, done <-chan struct{}) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			continue
		}
		select {
		case events <- msg:
		case <-done:
			return
		}
	}
}

func writeClientMessage(conn *websocket.Conn, msgType string, payload any) error {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := sonic.Marshal(messages.ClientMessage{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// wsURL derives the live endpoint from the base URL.
func (d *Dispatcher) wsURL() string {
	url := d.baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

// parseRate extracts the sample rate from "audio/pcm;rate=24000".
func parseRate(mimeType string) int {
	_, after, found := strings.Cut(mimeType, "rate=")
	if !found {
		return 0
	}
	if i := strings.IndexAny(after, ";, "); i >= 0 {
		after = after[:i]
	}
	rate, err := strconv.Atoi(after)
	if err != nil {
		return 0
	}
	return rate
}
