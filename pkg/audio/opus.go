package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// maxOpusPacketBytes is the per-frame encode buffer size passed to gopus.
const maxOpusPacketBytes = 4000

// OpusPacker compresses PCM analysis chunks into a stream of length-prefixed
// Opus packets before upload. Uploading a 30 s chunk as raw PCM costs close
// to 1 MB; Opus brings that under 100 kB on a mobile connection.
//
// The encoder keeps state between frames, so one packer must be used per
// chunk sequence. Not safe for concurrent use.
type OpusPacker struct {
	enc *gopus.Encoder
}

// NewOpusPacker creates a packer configured for the capture format
// (16 kHz mono, 20 ms frames).
func NewOpusPacker() (*OpusPacker, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusPacker{enc: enc}, nil
}

// Pack encodes pcm (little-endian 16-bit mono) into a byte stream of
// [uint16 length][opus packet] records. A trailing partial frame is padded
// with silence so no captured audio is dropped.
func (p *OpusPacker) Pack(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}

	samples := bytesToInt16s(pcm)
	out := make([]byte, 0, len(pcm)/8)

	for off := 0; off < len(samples); off += FrameSamples {
		end := off + FrameSamples
		frame := samples[off:min(end, len(samples))]
		if len(frame) < FrameSamples {
			padded := make([]int16, FrameSamples)
			copy(padded, frame)
			frame = padded
		}

		pkt, err := p.enc.Encode(frame, FrameSamples, maxOpusPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(pkt)))
		out = append(out, lenPrefix[:]...)
		out = append(out, pkt...)
	}

	return out, nil
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
// A trailing odd byte is ignored.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return pcm
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(s))
	}
	return b
}
