package disk

import (
	"github.com/klauspost/compress/zstd"
)

// compressor holds one zstd encoder for the configured level and a shared
// decoder. Data is only stored compressed when that saves space.
// Callers hold Device.mu.
type compressor struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newCompressor(level int) *compressor {
	c := &compressor{}
	c.setLevel(level)
	return c
}

func (c *compressor) setLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 9 {
		level = 9
	}
	if level == c.level && (level == 0 || c.enc != nil) {
		return
	}
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	c.level = level
	if level == 0 {
		return
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		c.level = 0
		return
	}
	c.enc = enc
}

func (c *compressor) compress(src []byte) ([]byte, bool) {
	if c.enc == nil || len(src) == 0 {
		return nil, false
	}
	dst := c.enc.EncodeAll(src, make([]byte, 0, len(src)/2))
	if len(dst) >= len(src) {
		return nil, false
	}
	return dst, true
}

func (c *compressor) decompress(src []byte, rawLen int) ([]byte, error) {
	if c.dec == nil {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		c.dec = dec
	}
	return c.dec.DecodeAll(src, make([]byte, 0, rawLen))
}

func (c *compressor) close() {
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}
