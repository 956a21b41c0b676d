// Package chunker splits a finite byte source into fixed-size chunks.
package chunker

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is used when a non-positive chunk size is requested.
const DefaultChunkSize = 64 * 1024

var (
	// ErrSequenceExhausted is returned by Next after the terminal chunk or a failure.
	ErrSequenceExhausted = errors.New("chunk sequence exhausted")
	// ErrSourceRead wraps I/O failures on the underlying source.
	ErrSourceRead = errors.New("source read failed")
)

// Chunk is one slice of the source. Done marks the terminal chunk, which is
// shorter than the chunk size and may be empty.
type Chunk struct {
	Data []byte
	Done bool
}

// Producer yields the chunks of a source in order. It is not safe for
// concurrent use and cannot be restarted.
type Producer struct {
	src       io.ReaderAt
	size      int64
	chunkSize int
	offset    int64
	finished  bool
}

// New returns a producer over size bytes of src.
func New(src io.ReaderAt, size int64, chunkSize int) (*Producer, error) {
	if src == nil {
		return nil, errors.New("chunker: nil source")
	}
	if size < 0 {
		return nil, fmt.Errorf("chunker: negative size %d", size)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Producer{src: src, size: size, chunkSize: chunkSize}, nil
}

// Size returns the total source size.
func (p *Producer) Size() int64 { return p.size }

// Offset returns how many bytes have been produced so far.
func (p *Producer) Offset() int64 { return p.offset }

// ChunkSize returns the configured chunk size.
func (p *Producer) ChunkSize() int { return p.chunkSize }

// Next returns the next chunk. Every chunk but the last is exactly ChunkSize
// bytes; the last carries Done and holds Size mod ChunkSize bytes.
func (p *Producer) Next() (Chunk, error) {
	if p.finished {
		return Chunk{}, ErrSequenceExhausted
	}

	remaining := p.size - p.offset
	n := int64(p.chunkSize)
	done := false
	if remaining < n {
		n = remaining
		done = true
	}

	buf := make([]byte, n)
	if n > 0 {
		if err := p.readAt(buf, p.offset); err != nil {
			p.finished = true
			return Chunk{}, err
		}
	}
	p.offset += n
	if done {
		p.finished = true
	}
	return Chunk{Data: buf, Done: done}, nil
}

func (p *Producer) readAt(buf []byte, off int64) error {
	n, err := p.src.ReadAt(buf, off)
	if n == len(buf) {
		// io.ReaderAt may report io.EOF alongside a full read at the end of the source.
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read at offset %d: got %d of %d bytes", ErrSourceRead, off, n, len(buf))
	}
	return fmt.Errorf("%w at offset %d: %w", ErrSourceRead, off, err)
}
