package chunker

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	r := rand.New(rand.NewSource(int64(n) + 7))
	if _, err := r.Read(b); err != nil {
		t.Fatalf("rand read: %v", err)
	}
	return b
}

func drain(t *testing.T, p *Producer) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := p.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		chunks = append(chunks, c)
		if c.Done {
			return chunks
		}
		if len(chunks) > 1<<20 {
			t.Fatal("producer never finished")
		}
	}
}

func TestProducer_ChunkCountsAndRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
	}{
		{"empty", 0, 16},
		{"single byte", 1, 16},
		{"just under", 15, 16},
		{"exact multiple", 64, 16},
		{"one over", 17, 16},
		{"large uneven", 1_500_000, 65_536},
		{"large exact", 4 * 65_536, 65_536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(t, tt.size)
			p, err := New(bytes.NewReader(data), int64(len(data)), tt.chunkSize)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			chunks := drain(t, p)

			full := tt.size / tt.chunkSize
			if len(chunks) != full+1 {
				t.Fatalf("got %d chunks, want %d", len(chunks), full+1)
			}
			for i, c := range chunks[:full] {
				if c.Done {
					t.Errorf("chunk %d marked done", i)
				}
				if len(c.Data) != tt.chunkSize {
					t.Errorf("chunk %d size = %d, want %d", i, len(c.Data), tt.chunkSize)
				}
			}
			last := chunks[len(chunks)-1]
			if !last.Done {
				t.Error("last chunk not marked done")
			}
			if len(last.Data) != tt.size%tt.chunkSize {
				t.Errorf("final chunk size = %d, want %d", len(last.Data), tt.size%tt.chunkSize)
			}

			var joined []byte
			for _, c := range chunks {
				joined = append(joined, c.Data...)
			}
			if !bytes.Equal(joined, data) {
				t.Error("concatenated chunks differ from source")
			}
			if p.Offset() != int64(tt.size) {
				t.Errorf("Offset() = %d, want %d", p.Offset(), tt.size)
			}
		})
	}
}

func TestProducer_FifteenHundredThousandBytes(t *testing.T) {
	data := randomBytes(t, 1_500_000)
	p, err := New(bytes.NewReader(data), int64(len(data)), 65_536)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	chunks := drain(t, p)
	if len(chunks) != 23 {
		t.Fatalf("got %d chunks, want 23", len(chunks))
	}
	if got, want := len(chunks[22].Data), 1_500_000%65_536; got != want {
		t.Errorf("final chunk = %d bytes, want %d", got, want)
	}
}

func TestProducer_ExhaustedAfterDone(t *testing.T) {
	p, err := New(bytes.NewReader([]byte("abc")), 3, 2)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	drain(t, p)
	for i := 0; i < 2; i++ {
		if _, err := p.Next(); !errors.Is(err, ErrSequenceExhausted) {
			t.Fatalf("Next() after done error = %v, want ErrSequenceExhausted", err)
		}
	}
}

type failingReaderAt struct {
	failAt int64
	data   []byte
}

func (f failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, errors.New("disk on fire")
	}
	return bytes.NewReader(f.data).ReadAt(p, off)
}

func TestProducer_SourceReadError(t *testing.T) {
	data := randomBytes(t, 100)
	p, err := New(failingReaderAt{failAt: 40, data: data}, 100, 20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		c, err := p.Next()
		if err != nil {
			t.Fatalf("chunk %d error = %v", i, err)
		}
		if c.Done {
			t.Fatalf("chunk %d unexpectedly done", i)
		}
	}
	c, err := p.Next()
	if !errors.Is(err, ErrSourceRead) {
		t.Fatalf("Next() error = %v, want ErrSourceRead", err)
	}
	if c.Done {
		t.Error("failed read must not be reported as done")
	}
	if _, err := p.Next(); !errors.Is(err, ErrSequenceExhausted) {
		t.Errorf("Next() after failure error = %v, want ErrSequenceExhausted", err)
	}
}

func TestProducer_TruncatedSource(t *testing.T) {
	// Declared size is larger than what the reader can supply.
	p, err := New(bytes.NewReader([]byte("0123456789")), 25, 8)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Next(); err != nil {
		t.Fatalf("first chunk error = %v", err)
	}
	if _, err := p.Next(); !errors.Is(err, ErrSourceRead) {
		t.Fatalf("second chunk error = %v, want ErrSourceRead", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, 10, 4); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New(bytes.NewReader(nil), -1, 4); err == nil {
		t.Error("expected error for negative size")
	}
	p, err := New(bytes.NewReader(nil), 0, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.ChunkSize() != DefaultChunkSize {
		t.Errorf("ChunkSize() = %d, want %d", p.ChunkSize(), DefaultChunkSize)
	}
}

var _ io.ReaderAt = failingReaderAt{}
