package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Bodies above this size are brotli-compressed before they reach a backend.
const compressThreshold = 1024

const encodingBrotli = "br"

type wireEntry struct {
	Entry
	Encoding string `json:"encoding,omitempty"`
}

// encodeEntry serializes an entry for a persistent backend.
func encodeEntry(e *Entry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cache entry cannot be nil")
	}

	w := wireEntry{Entry: *e}
	if len(e.Data) > compressThreshold {
		var buf bytes.Buffer
		bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := bw.Write(e.Data); err != nil {
			return nil, fmt.Errorf("compress body: %w", err)
		}
		if err := bw.Close(); err != nil {
			return nil, fmt.Errorf("compress body: %w", err)
		}
		w.Data = buf.Bytes()
		w.Encoding = encodingBrotli
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	switch w.Encoding {
	case "":
	case encodingBrotli:
		body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Data)))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress body: %v", ErrInvalidEntry, err)
		}
		w.Data = body
	default:
		return nil, fmt.Errorf("%w: unknown body encoding %q", ErrInvalidEntry, w.Encoding)
	}

	entry := w.Entry
	return &entry, nil
}
