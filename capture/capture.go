// Package capture owns the microphone for the duration of one recording:
// a portaudio input stream produces fixed-size float32 frames that are
// buffered losslessly and summarized into a level/bars visualization
// signal.
package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"lingua-live/faults"
)

const (
	// SampleRate is the capture rate the speech endpoint expects.
	SampleRate = 16000
	// FrameSize is the fixed frame length in samples, independent of rate.
	FrameSize = 4096
	// BarCount is how many visualization bands are published per frame.
	BarCount = 16
)

type phase int

const (
	phaseIdle phase = iota
	phaseArmed
	phaseRecording
	phaseDraining
)

// Session is a single-recording microphone session. One session may record
// many utterances, but never two at once: the device and its audio context
// are exclusively owned between Start and Stop.
type Session struct {
	mu     sync.Mutex
	phase  phase
	stream *portaudio.Stream
	in     []float32
	frames frameBuffer
	done   chan struct{}
	ended  chan struct{}

	levelBits atomic.Uint64 // float64 bits of the current level
	bars      atomic.Value  // []float64, BarCount entries
}

// New creates an idle session.
func New() *Session {
	s := &Session{}
	s.bars.Store(make([]float64, BarCount))
	return s
}

// Start requests the default input device at 16 kHz mono and begins
// producing frames. Any device failure leaves the session Idle and is
// reported as a PermissionDenied fault — on this side of the OS boundary a
// declined prompt and a missing device are indistinguishable.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle {
		return faults.New(faults.Unknown, "capture already active")
	}
	s.phase = phaseArmed

	if err := portaudio.Initialize(); err != nil {
		s.phase = phaseIdle
		return faults.Wrap(faults.PermissionDenied, "audio subsystem unavailable", err)
	}

	s.in = make([]float32, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), FrameSize, s.in)
	if err != nil {
		portaudio.Terminate()
		s.phase = phaseIdle
		return faults.Wrap(faults.PermissionDenied, "microphone unavailable", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		s.phase = phaseIdle
		return faults.Wrap(faults.PermissionDenied, "microphone could not start", err)
	}

	s.stream = stream
	s.done = make(chan struct{})
	s.ended = make(chan struct{})
	s.phase = phaseRecording

	go s.readLoop(stream, s.done, s.ended)
	return nil
}

// readLoop pulls fixed-size frames off the device until told to stop.
// Frames go onto the ordered buffer; each one also refreshes the
// visualization signal.
func (s *Session) readLoop(stream *portaudio.Stream, done <-chan struct{}, ended chan<- struct{}) {
	defer close(ended)
	for {
		select {
		case <-done:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			// Device tore down underneath us; whatever was buffered is
			// still finalized by Stop.
			return
		}

		s.frames.append(s.in)
		s.publishVisualization(s.in)
	}
}

func (s *Session) publishVisualization(frame []float32) {
	s.levelBits.Store(math.Float64bits(averageMagnitude(frame)))
	s.bars.Store(bandBars(frame, BarCount))
}

// Stop tears down the device, finalizes the buffered frames into one
// contiguous sample array and returns to Idle. Returns nil samples if zero
// frames were captured — a no-op, not an error. Calling Stop while not
// recording is a no-op.
func (s *Session) Stop() ([]float32, error) {
	s.mu.Lock()
	if s.phase != phaseRecording {
		s.mu.Unlock()
		return nil, nil
	}
	s.phase = phaseDraining
	stream := s.stream
	done, ended := s.done, s.ended
	s.mu.Unlock()

	close(done)
	<-ended

	var stopErr error
	if err := stream.Stop(); err != nil {
		stopErr = err
	}
	if err := stream.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	portaudio.Terminate()

	samples := s.frames.drain()

	s.mu.Lock()
	s.stream = nil
	s.phase = phaseIdle
	s.mu.Unlock()

	// Visualization back to baseline.
	s.levelBits.Store(0)
	s.bars.Store(make([]float64, BarCount))

	if stopErr != nil {
		return samples, faults.Wrap(faults.Unknown, "microphone teardown", stopErr)
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return samples, nil
}

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseRecording
}

// Level returns the current windowed average magnitude in [0, 1].
func (s *Session) Level() float64 {
	return math.Float64frombits(s.levelBits.Load())
}

// Bars returns the current visualization bands, BarCount entries.
func (s *Session) Bars() []float64 {
	return s.bars.Load().([]float64)
}
