package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToLinear16 converts normalized [-1, 1] samples, as sent by browser
// microphones, into little-endian 16-bit PCM. Out of range samples are clipped.
func Float32ToLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		clipped := math.Max(-1, math.Min(1, float64(sample)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clipped*math.MaxInt16)))
	}
	return out
}
