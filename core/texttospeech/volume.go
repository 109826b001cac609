package texttospeech

import (
	"encoding/binary"
	"math"
	"time"
)

// Volumes returns the RMS of every window of mono linear16 pcm, scaled so the
// loudest window is 1.
func Volumes(pcm []byte, sampleRate int, window time.Duration) []float64 {
	samplesPerWindow := int(time.Duration(sampleRate) * window / time.Second)
	if samplesPerWindow <= 0 || len(pcm) < 2 {
		return []float64{}
	}

	samples := len(pcm) / 2
	volumes := make([]float64, 0, samples/samplesPerWindow+1)
	peak := 0.0
	for start := 0; start < samples; start += samplesPerWindow {
		end := min(start+samplesPerWindow, samples)

		var sum float64
		for i := start; i < end; i++ {
			sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
			sum += sample * sample
		}
		rms := math.Sqrt(sum / float64(end-start))
		peak = max(peak, rms)
		volumes = append(volumes, rms)
	}

	if peak == 0 {
		return volumes
	}
	for i := range volumes {
		volumes[i] /= peak
	}
	return volumes
}
