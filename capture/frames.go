package capture

import "sync"

// frameBuffer accumulates fixed-size sample frames in arrival order. No
// frame is ever dropped or reordered; drain yields one contiguous buffer
// whose length is exactly the sum of the appended frame lengths.
type frameBuffer struct {
	mu     sync.Mutex
	frames [][]float32
	total  int
}

func (fb *frameBuffer) append(frame []float32) {
	owned := make([]float32, len(frame))
	copy(owned, frame)

	fb.mu.Lock()
	fb.frames = append(fb.frames, owned)
	fb.total += len(owned)
	fb.mu.Unlock()
}

// drain concatenates every frame in append order and clears the buffer.
// Returns nil if nothing was captured.
func (fb *frameBuffer) drain() []float32 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(fb.frames) == 0 {
		return nil
	}

	out := make([]float32, 0, fb.total)
	for _, frame := range fb.frames {
		out = append(out, frame...)
	}
	fb.frames = nil
	fb.total = 0
	return out
}

func (fb *frameBuffer) sampleCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.total
}
