package bus

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/kubeadapt/kubeadapt-mesh/internal/observability"
)

// zstdMagic starts every zstd frame. JSON envelopes never do.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Codec turns envelopes into wire bytes. Envelopes larger than the
// threshold are zstd-compressed; Decode accepts either form.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	metrics   *observability.Metrics
}

// NewCodec creates a Codec. threshold <= 0 disables compression. level is
// 1 (fastest) to 4 (best).
func NewCodec(threshold, level int, metrics *observability.Metrics) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel(level))))
	if err != nil {
		return nil, fmt.Errorf("bus: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("bus: failed to create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec, metrics: metrics}, nil
}

// zstdLevel maps 1-4 onto representative zstd levels.
func zstdLevel(level int) int {
	switch level {
	case 1:
		return 1
	case 3:
		return 7
	case 4:
		return 19
	default:
		return 3
	}
}

// Encode marshals msg, compressing when it exceeds the threshold.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("bus: encode envelope: %w", err)
	}
	if c.threshold <= 0 || len(raw) <= c.threshold {
		return raw, nil
	}
	out := c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	if c.metrics != nil && len(out) > 0 {
		c.metrics.CompressionRatio.Set(float64(len(raw)) / float64(len(out)))
	}
	return out, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("bus: decompress envelope: %w", err)
		}
		data = raw
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("bus: decode envelope: %w", err)
	}
	return &msg, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
