package database

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"workout-ingest/internal/model"
)

// CompressStream gzips the JSON encoded samples of a stream
func CompressStream(s *model.Stream) (CompressedStream, error) {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return CompressedStream{}, fmt.Errorf("failed to marshal stream %s: %w", s.Type, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return CompressedStream{}, fmt.Errorf("failed to compress stream %s: %w", s.Type, err)
	}
	if err := zw.Close(); err != nil {
		return CompressedStream{}, fmt.Errorf("failed to compress stream %s: %w", s.Type, err)
	}

	return CompressedStream{Type: s.Type, Data: buf.Bytes()}, nil
}

// DecompressStream reverses CompressStream
func DecompressStream(streamType string, data []byte) (*model.Stream, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", streamType, err)
	}
	defer zr.Close()

	stream := &model.Stream{Type: streamType}
	if err := json.NewDecoder(zr).Decode(&stream.Data); err != nil {
		return nil, fmt.Errorf("failed to decode stream %s: %w", streamType, err)
	}
	return stream, nil
}
