package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
)

// compress shrinks a stored body with the configured algorithm. Bodies
// below the threshold stay uncompressed. Returns the bytes and the
// algorithm actually applied.
func compress(content []byte, algorithm string, minSize int) ([]byte, string, error) {
	if len(content) < minSize || algorithm == CompressionNone || algorithm == "" {
		return content, CompressionNone, nil
	}

	switch algorithm {
	case CompressionSnappy:
		return snappy.Encode(nil, content), CompressionSnappy, nil

	case CompressionLZ4:
		// Stream format embeds size information.
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), CompressionLZ4, nil

	default:
		return content, CompressionNone, nil
	}
}

// decompress reverses compress for the tagged algorithm.
func decompress(content []byte, algorithm string) ([]byte, error) {
	switch algorithm {
	case CompressionSnappy:
		out, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("snappy decompression failed: %w", err)
		}
		return out, nil

	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(content))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression failed: %w", err)
		}
		return out, nil

	default:
		return content, nil
	}
}
