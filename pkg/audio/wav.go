package audio

import (
	"encoding/binary"
	"errors"
)

// EncodeWAV wraps raw 16-bit little-endian mono PCM at [SampleRate] in a
// standard 44-byte RIFF/WAVE header, suitable for file-style uploads.
func EncodeWAV(pcm []byte) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))

	byteRate := SampleRate * Channels * 2
	blockAlign := Channels * 2

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(out[22:24], uint16(Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16) // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	SampleRate int
	Channels   int
}

// DecodeWAV walks the RIFF chunks of wav and returns the raw PCM from the
// data chunk together with the format from the fmt chunk. Walking the chunks
// is more robust than assuming a fixed 44-byte offset because the fmt chunk
// size can vary between encoders.
func DecodeWAV(wav []byte) ([]byte, WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, WAVInfo{}, errors.New("audio: not a RIFF/WAVE container")
	}

	var info WAVInfo
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			}
		case "data":
			start := offset + 8
			end := min(start+chunkSize, len(wav))
			if info.SampleRate == 0 {
				info.SampleRate = SampleRate
				info.Channels = Channels
			}
			return wav[start:end], info, nil
		}

		// Chunks are word-aligned: pad by 1 for odd sizes.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, WAVInfo{}, errors.New("audio: WAV missing data chunk")
}

// ResampleMono16 resamples 16-bit little-endian mono PCM from srcRate to
// dstRate using linear interpolation. Returns the input unchanged when the
// rates already match.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
