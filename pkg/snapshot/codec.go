package snapshot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// payload header byte
const (
	formatRaw  byte = 0x00
	formatZstd byte = 0x01
)

var (
	encOnce  sync.Once
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	codecErr error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Encode frames state for storage inside a snapshot, zstd-compressed when compress is set.
func Encode(state []byte, compress bool) ([]byte, error) {
	if !compress {
		out := make([]byte, 1+len(state))
		out[0] = formatRaw
		copy(out[1:], state)
		return out, nil
	}

	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	out := make([]byte, 1, 1+len(state)/2)
	out[0] = formatZstd
	return enc.EncodeAll(state, out), nil
}

// Decode reverses Encode.
func Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("snapshot: empty payload")
	}
	switch data[0] {
	case formatRaw:
		return data[1:], nil
	case formatZstd:
		_, dec, err := codec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := dec.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown payload format %#x", data[0])
	}
}
