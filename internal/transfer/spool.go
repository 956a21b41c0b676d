package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadyFile is a finalized unit. Memory spools fill Data, directory spools
// fill Path.
type ReadyFile struct {
	Unit
	Received int64
	Data     []byte
	Path     string
}

// Spool stores the bytes of incoming units.
type Spool interface {
	Begin(u Unit) (Part, error)
}

// Part holds one unit's bytes until it is committed or discarded.
type Part interface {
	Write(p []byte) (int, error)
	Commit() (ReadyFile, error)
	Discard() error
}

// MemorySpool keeps each unit's frames in memory and joins them on commit.
type MemorySpool struct{}

func (MemorySpool) Begin(u Unit) (Part, error) {
	return &memoryPart{unit: u}, nil
}

type memoryPart struct {
	unit   Unit
	frames [][]byte
	n      int64
}

func (p *memoryPart) Write(b []byte) (int, error) {
	frame := make([]byte, len(b))
	copy(frame, b)
	p.frames = append(p.frames, frame)
	p.n += int64(len(b))
	return len(b), nil
}

func (p *memoryPart) Commit() (ReadyFile, error) {
	data := bytes.Join(p.frames, nil)
	p.frames = nil
	return ReadyFile{Unit: p.unit, Received: p.n, Data: data}, nil
}

func (p *memoryPart) Discard() error {
	p.frames = nil
	return nil
}

// DirSpool streams units to temporary files in Dir and renames them to the
// unit's name on commit. Slash-separated names become subdirectories of Dir.
type DirSpool struct {
	Dir string
}

func (s DirSpool) Begin(u Unit) (Part, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.CreateTemp(s.Dir, ".dropline-*.part")
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	return &filePart{dir: s.Dir, unit: u, f: f}, nil
}

type filePart struct {
	dir  string
	unit Unit
	f    *os.File
	n    int64
}

func (p *filePart) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.n += int64(n)
	return n, err
}

func (p *filePart) Commit() (ReadyFile, error) {
	if err := p.f.Close(); err != nil {
		os.Remove(p.f.Name())
		return ReadyFile{}, fmt.Errorf("close part file: %w", err)
	}
	rel := SafeRelPath(p.unit.Name)
	dir := filepath.Join(p.dir, filepath.Dir(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(p.f.Name())
		return ReadyFile{}, fmt.Errorf("create output dir: %w", err)
	}
	dst, err := availablePath(dir, filepath.Base(rel))
	if err != nil {
		os.Remove(p.f.Name())
		return ReadyFile{}, err
	}
	if err := os.Rename(p.f.Name(), dst); err != nil {
		os.Remove(p.f.Name())
		return ReadyFile{}, fmt.Errorf("move part file: %w", err)
	}
	return ReadyFile{Unit: p.unit, Received: p.n, Path: dst}, nil
}

func (p *filePart) Discard() error {
	return errors.Join(p.f.Close(), os.Remove(p.f.Name()))
}

// SafeRelPath keeps the directory structure of a remote-supplied name while
// dropping empty, "." and ".." elements, so the result stays below its root.
func SafeRelPath(name string) string {
	var parts []string
	for _, p := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return "download"
	}
	return filepath.Join(parts...)
}

func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free file name for %q in %s", name, dir)
}
