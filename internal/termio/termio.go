// Package termio moves terminal writes off the caller's goroutine, so
// progress callbacks running on the transport's read loop never wait on a
// slow terminal.
package termio

import (
	"io"
	"os"
	"sync"
)

// Writer forwards writes to a file from a background goroutine, in order.
type Writer struct {
	file *os.File
	ch   chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts a Writer with room for depth pending writes.
func NewWriter(f *os.File, depth int) *Writer {
	if depth < 1 {
		depth = 1
	}
	w := &Writer{
		file: f,
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
		}
	}()
	return w
}

// Write queues a copy of p. After Close it writes through synchronously.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return w.file.Write(p)
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// File returns the underlying file, for terminal detection.
func (w *Writer) File() *os.File {
	return w.file
}

// Close waits until every queued write has reached the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

func initGlobal() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout, 1024)
		global.stderr = NewWriter(os.Stderr, 1024)
	})
}

// Stdout is the process-wide asynchronous stdout.
func Stdout() io.Writer {
	initGlobal()
	return global.stdout
}

// Stderr is the process-wide asynchronous stderr.
func Stderr() io.Writer {
	initGlobal()
	return global.stderr
}

// Flush drains both process-wide writers. Call it before exiting.
func Flush() {
	initGlobal()
	global.stdout.Close()
	global.stderr.Close()
}
