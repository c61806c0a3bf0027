package token

import (
	"testing"
	"time"
)

func TestAcceptAuthorize(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	if err := tbl.Accept("tok-1", "hash-1", Contact{Identity: "farmer-1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	entry, err := tbl.Authorize("tok-1", "hash-1")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if entry.Contact.Identity != "farmer-1" {
		t.Fatalf("expected contact to round-trip, got %+v", entry.Contact)
	}
}

func TestAuthorizeNoToken(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	if _, err := tbl.Authorize("", "hash-1"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestAuthorizeNotAccepted(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	if _, err := tbl.Authorize("never-accepted", "hash-1"); err == nil {
		t.Fatal("expected error for token never accepted")
	}
}

func TestAuthorizeNoHash(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	_ = tbl.Accept("tok-1", "hash-1", Contact{})
	if _, err := tbl.Authorize("tok-1", ""); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestAuthorizeHashMismatch(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	_ = tbl.Accept("tok-1", "hash-1", Contact{})
	if _, err := tbl.Authorize("tok-1", "hash-2"); err == nil {
		t.Fatal("expected error for mismatched hash")
	}
}

func TestAuthorizeExpired(t *testing.T) {
	tbl := NewTable(time.Millisecond, nil)
	_ = tbl.Accept("tok-1", "hash-1", Contact{})
	time.Sleep(5 * time.Millisecond)
	if _, err := tbl.Authorize("tok-1", "hash-1"); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestRejectRemovesEntry(t *testing.T) {
	tbl := NewTable(time.Minute, nil)
	_ = tbl.Accept("tok-1", "hash-1", Contact{})
	tbl.Reject("tok-1")
	if _, err := tbl.Authorize("tok-1", "hash-1"); err == nil {
		t.Fatal("expected error after reject")
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	tbl := NewTable(time.Millisecond, nil)
	_ = tbl.Accept("tok-1", "hash-1", Contact{})
	time.Sleep(5 * time.Millisecond)
	tbl.sweep()
	tbl.mu.Lock()
	_, ok := tbl.entries["tok-1"]
	tbl.mu.Unlock()
	if ok {
		t.Fatal("expected sweep to remove expired entry")
	}
}
