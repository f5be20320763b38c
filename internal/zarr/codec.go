// Package zarr builds version 2 chunk-store metadata and chunk payloads
// from dataset descriptions: consolidated .zmetadata documents, fill
// value encoding and filter/compressor pipelines.
package zarr

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses or transforms chunk bytes. Config must round-trip
// through the numcodecs-style JSON object stored in .zarray.
type Codec interface {
	ID() string
	Config() map[string]any
	Encode(src []byte) ([]byte, error)
}

type (
	// ZlibCodec is DEFLATE with a zlib wrapper.
	ZlibCodec struct {
		Level int
	}

	// ZstdCodec is Zstandard.
	ZstdCodec struct {
		Level int
	}
)

// DefaultCompressor matches the store default advertised in .zarray
// documents when the job does not choose one.
func DefaultCompressor() Codec { return &ZlibCodec{Level: 1} }

func (c *ZlibCodec) ID() string { return "zlib" }

func (c *ZlibCodec) Config() map[string]any {
	return map[string]any{"id": "zlib", "level": c.Level}
}

func (c *ZlibCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *ZstdCodec) ID() string { return "zstd" }

func (c *ZstdCodec) Config() map[string]any {
	return map[string]any{"id": "zstd", "level": c.Level}
}

func (c *ZstdCodec) Encode(src []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

// CodecFromConfig rebuilds a codec from its stored JSON config.
func CodecFromConfig(cfg map[string]any) (Codec, error) {
	id, _ := cfg["id"].(string)
	switch id {
	case "zlib":
		return &ZlibCodec{Level: intField(cfg, "level", 1)}, nil
	case "zstd":
		return &ZstdCodec{Level: intField(cfg, "level", 3)}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", id)
	}
}

func intField(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
