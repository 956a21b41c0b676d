// Package transfer streams files over an established peer session: the
// sending side frames and chunks each file, the receiving side reassembles
// them and reports progress back.
package transfer

import (
	"context"
	"mime"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sheerbytes/dropline/internal/peer"
	"github.com/sheerbytes/dropline/pkg/protocol"
)

// DefaultMimeType tags files whose type is unknown.
const DefaultMimeType = "application/octet-stream"

// Unit describes one file moving through a session.
type Unit struct {
	ID       string
	Name     string
	Size     int64
	MimeType string
}

// NewUnit assigns a fresh id. An empty mimeType is guessed from the name.
func NewUnit(name string, size int64, mimeType string) Unit {
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return Unit{ID: uuid.NewString(), Name: name, Size: size, MimeType: mimeType}
}

// UnitFromDescriptor converts a relay file descriptor.
func UnitFromDescriptor(d protocol.FileDescriptor) Unit {
	mt := d.Type
	if mt == "" {
		mt = DefaultMimeType
	}
	return Unit{ID: d.ID, Name: d.Name, Size: d.Size, MimeType: mt}
}

// Descriptor converts u for the relay.
func (u Unit) Descriptor() protocol.FileDescriptor {
	return protocol.FileDescriptor{ID: u.ID, Name: u.Name, Size: u.Size, Type: u.MimeType}
}

// Link is the part of a peer session the orchestrator needs.
type Link interface {
	Send(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error
	OnMessage(h peer.MessageHandler) func()
}

var _ Link = (*peer.Session)(nil)

// Progress is one progress sample for a file. On the sending side
// BytesAcknowledged is the receiver's last reported byte count; on the
// receiving side it is the local byte count.
type Progress struct {
	FileID            string
	BytesAcknowledged int64
	Total             int64
	Delta             int64
	RateBps           float64
}
