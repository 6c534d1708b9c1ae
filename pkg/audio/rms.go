package audio

import (
	"encoding/binary"
	"math"
)

// defaultSilenceRMS is the normalised RMS level below which a chunk is
// treated as silence. Tuned for in-cabin ambient noise at 16 kHz mono.
const defaultSilenceRMS = 0.008

// RMS computes the root-mean-square energy of 16-bit little-endian PCM,
// normalised to [0, 1]. Any trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// IsSilence reports whether pcm carries no usable signal: either it is empty
// or its RMS energy is below the silence threshold.
func IsSilence(pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	return RMS(pcm) < defaultSilenceRMS
}
