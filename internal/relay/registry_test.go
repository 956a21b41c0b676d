package relay

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

var files = []protocol.FileDescriptor{{ID: "f1", Name: "a.txt", Size: 3, Type: "text/plain"}}

func TestRegistry_CreateAndLookup(t *testing.T) {
	r := NewRegistry(30 * time.Minute)
	offer, err := r.Create("sender-1", files)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !regexp.MustCompile(`^[1-9][0-9]{5}$`).MatchString(offer.Code) {
		t.Fatalf("code %q is not six digits", offer.Code)
	}
	if got := offer.ExpiresAt.Sub(offer.CreatedAt); got != 30*time.Minute {
		t.Errorf("ttl = %s", got)
	}

	got, ok := r.Lookup(offer.Code)
	if !ok || got.SenderID != "sender-1" || len(got.Files) != 1 {
		t.Fatalf("Lookup() = %+v, %v", got, ok)
	}
	if _, ok := r.Lookup("000000"); ok {
		t.Error("Lookup() found an unknown code")
	}
}

func TestRegistry_RetriesTakenCodes(t *testing.T) {
	r := NewRegistry(0)
	codes := []string{"111111", "111111", "111111", "222222"}
	r.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	first, err := r.Create("a", files)
	if err != nil || first.Code != "111111" {
		t.Fatalf("first Create() = %+v, %v", first, err)
	}
	second, err := r.Create("b", files)
	if err != nil || second.Code != "222222" {
		t.Fatalf("second Create() = %+v, %v", second, err)
	}
	if !first.ExpiresAt.IsZero() {
		t.Errorf("zero ttl set ExpiresAt = %s", first.ExpiresAt)
	}

	r.newCode = func() (string, error) { return "111111", nil }
	if _, err := r.Create("c", files); !errors.Is(err, ErrNoFreeCode) {
		t.Errorf("Create() error = %v, want ErrNoFreeCode", err)
	}
}

func TestRegistry_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(time.Minute)
	r.now = func() time.Time { return now }

	a, _ := r.Create("a", files)
	now = now.Add(30 * time.Second)
	b, _ := r.Create("b", files)

	now = now.Add(45 * time.Second)
	if _, ok := r.Lookup(a.Code); ok {
		t.Error("expired code still resolves")
	}
	if _, ok := r.Lookup(b.Code); !ok {
		t.Error("live code no longer resolves")
	}

	if n := r.CleanupExpired(now.Add(time.Minute)); n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d", r.Count())
	}
}

func TestRegistry_DeleteAndDeleteBySender(t *testing.T) {
	r := NewRegistry(0)
	a1, _ := r.Create("a", files)
	r.Create("a", files)
	b, _ := r.Create("b", files)

	if !r.Delete(a1.Code) || r.Delete(a1.Code) {
		t.Error("Delete() should succeed once")
	}
	if n := r.DeleteBySender("a"); n != 1 {
		t.Errorf("DeleteBySender(a) = %d, want 1", n)
	}
	if _, ok := r.Lookup(b.Code); !ok || r.Count() != 1 {
		t.Error("other sender's code was removed")
	}
}
