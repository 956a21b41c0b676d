package relay

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

var ErrNoFreeCode = errors.New("no free retrieval code")

const maxCodeAttempts = 100

// Offer is a sender's file list waiting to be picked up with a code.
type Offer struct {
	Code      string
	SenderID  string
	Files     []protocol.FileDescriptor
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (o Offer) expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Registry maps retrieval codes to offers. A zero TTL keeps offers until they
// are deleted or their sender disconnects.
type Registry struct {
	mu      sync.Mutex
	byCode  map[string]Offer
	ttl     time.Duration
	now     func() time.Time
	newCode func() (string, error)
}

// NewRegistry returns an empty registry.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		byCode:  make(map[string]Offer),
		ttl:     ttl,
		now:     time.Now,
		newCode: generateCode,
	}
}

// Create registers files under a code that is not currently in use.
func (r *Registry) Create(senderID string, files []protocol.FileDescriptor) (Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	offer := Offer{
		SenderID:  senderID,
		Files:     append([]protocol.FileDescriptor(nil), files...),
		CreatedAt: now,
	}
	if r.ttl > 0 {
		offer.ExpiresAt = now.Add(r.ttl)
	}

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return Offer{}, fmt.Errorf("generate code: %w", err)
		}
		if old, taken := r.byCode[code]; taken && !old.expired(now) {
			continue
		}
		offer.Code = code
		r.byCode[code] = offer
		return offer, nil
	}
	return Offer{}, ErrNoFreeCode
}

// Lookup returns the live offer for code.
func (r *Registry) Lookup(code string) (Offer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.byCode[code]
	if !ok {
		return Offer{}, false
	}
	if offer.expired(r.now()) {
		delete(r.byCode, code)
		return Offer{}, false
	}
	return offer, true
}

// Delete removes code and reports whether it existed.
func (r *Registry) Delete(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byCode[code]
	delete(r.byCode, code)
	return ok
}

// DeleteBySender removes every code owned by senderID.
func (r *Registry) DeleteBySender(senderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for code, offer := range r.byCode {
		if offer.SenderID == senderID {
			delete(r.byCode, code)
			n++
		}
	}
	return n
}

// CleanupExpired removes offers that expired before now.
func (r *Registry) CleanupExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for code, offer := range r.byCode {
		if offer.expired(now) {
			delete(r.byCode, code)
			n++
		}
	}
	return n
}

// Count returns the number of registered codes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}

// generateCode returns a random six digit code without a leading zero.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", 100000+n.Int64()), nil
}
