// Package capture produces 16-bit little-endian mono PCM chunks for the
// recognizer, either from the default microphone or from a WAV file.
package capture

import (
	"context"
	"encoding/binary"
)

// Source delivers audio chunks to a callback.
type Source interface {
	// Start delivers chunks to onAudio until ctx is cancelled or the source is
	// exhausted. Chunks are owned by the callee.
	Start(ctx context.Context, onAudio func([]byte)) error

	// Close releases the underlying device or file.
	Close() error
}

// encodeS16LE packs samples as signed 16-bit little-endian PCM.
func encodeS16LE(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// downmix averages interleaved frames into one channel.
func downmix(samples []int, channels int) []int {
	if channels <= 1 {
		return samples
	}
	out := make([]int, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / channels
	}
	return out
}
