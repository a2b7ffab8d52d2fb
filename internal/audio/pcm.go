package audio

import (
	"encoding/binary"
	"time"
)

// PCM16Bytes encodes samples as little-endian linear16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration returns the play time of an interleaved sample count.
func Duration(samples, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := samples / channels
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
