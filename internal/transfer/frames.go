package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control frame types carried as text messages on the data channel.
const (
	FrameFileStart     = "fileStart"
	FrameFileEnd       = "fileEnd"
	FrameChunkReceived = "chunkReceived"
)

var ErrBadFrame = errors.New("malformed control frame")

// Frame is a text control message. Binary messages carry raw file bytes and
// belong to the file most recently announced with fileStart.
type Frame struct {
	Type    string         `json:"type"`
	FileID  string         `json:"fileId,omitempty"`
	Payload *ChunkReceived `json:"payload,omitempty"`
}

// ChunkReceived reports how many bytes of a file the receiver holds.
type ChunkReceived struct {
	FileID   string `json:"fileId"`
	RecvSize int64  `json:"recvSize"`
}

func fileStartFrame(id string) Frame { return Frame{Type: FrameFileStart, FileID: id} }

func fileEndFrame(id string) Frame { return Frame{Type: FrameFileEnd, FileID: id} }

func chunkReceivedFrame(id string, recvSize int64) Frame {
	return Frame{Type: FrameChunkReceived, Payload: &ChunkReceived{FileID: id, RecvSize: recvSize}}
}

// ID returns the file id the frame refers to.
func (f Frame) ID() string {
	if f.Payload != nil {
		return f.Payload.FileID
	}
	return f.FileID
}

// EncodeFrame renders f as the JSON text sent on the channel.
func EncodeFrame(f Frame) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return string(b), nil
}

// DecodeFrame parses a text message. Unknown types decode without error so
// callers can skip them.
func DecodeFrame(text []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(text, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	switch f.Type {
	case FrameFileStart, FrameFileEnd:
		if f.FileID == "" {
			return Frame{}, fmt.Errorf("%w: %s without fileId", ErrBadFrame, f.Type)
		}
	case FrameChunkReceived:
		if f.Payload == nil || f.Payload.FileID == "" {
			return Frame{}, fmt.Errorf("%w: chunkReceived without payload", ErrBadFrame)
		}
	}
	return f, nil
}
