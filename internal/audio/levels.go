package audio

import "math"

// Energy returns the normalized RMS level (0.0 - 1.0) of a block of samples.
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	// Speech rarely exceeds ~10000 RMS; treat that as full scale for meters.
	level := rms / 10000.0
	if level > 1 {
		level = 1
	}
	return level
}

// SineTone synthesizes a mono PCM16 tone, used for device checks and the
// offline live backend.
func SineTone(freqHz, sampleRate int, frames int, amp float64) []int16 {
	if sampleRate <= 0 || freqHz <= 0 || frames <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1 {
		amp = 1
	}
	out := make([]int16, frames)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = int16(amp * math.Sin(2*math.Pi*float64(freqHz)*t) * 32767.0)
	}
	return out
}
