package relay

import (
	"errors"
	"io"
)

// ErrUnsupportedTransport is returned when an upstream body offers no incremental read capability.
var ErrUnsupportedTransport = errors.New("upstream body cannot be read incrementally")

const chunkSize = 32 * 1024

// ChunkSource yields the upstream body one chunk at a time. Next returns
// io.EOF once the body is exhausted. A returned chunk is only valid until
// the following call.
type ChunkSource interface {
	Next() ([]byte, error)
}

// NewChunkSource adapts a body to a ChunkSource. Bodies that already
// implement ChunkSource are used as-is.
func NewChunkSource(body io.Reader) (ChunkSource, error) {
	switch b := body.(type) {
	case nil:
		return nil, ErrUnsupportedTransport
	case ChunkSource:
		return b, nil
	default:
		return &readerSource{r: b, buf: make([]byte, chunkSize)}, nil
	}
}

type readerSource struct {
	r   io.Reader
	buf []byte
}

func (s *readerSource) Next() ([]byte, error) {
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			// Data first; a trailing error resurfaces on the next call.
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}
