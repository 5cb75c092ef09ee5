package capture

// averageMagnitude is the visualization level for one frame: the mean
// absolute sample value, in [0, 1].
func averageMagnitude(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(frame))
}

// bandBars buckets a frame into n bands of mean absolute magnitude, the
// waveform bars the view renders. Always returns exactly n values.
func bandBars(frame []float32, n int) []float64 {
	bars := make([]float64, n)
	if len(frame) == 0 || n == 0 {
		return bars
	}
	for i := 0; i < n; i++ {
		lo := i * len(frame) / n
		hi := (i + 1) * len(frame) / n
		if hi > lo {
			bars[i] = averageMagnitude(frame[lo:hi])
		}
	}
	return bars
}
