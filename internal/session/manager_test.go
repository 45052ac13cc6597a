package session

import (
	"context"
	"testing"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
)

func newTestManager() *Manager {
	return NewManager(nil)
}

func TestAttachNativeRegistersAndSelectsCurrent(t *testing.T) {
	m := newTestManager()
	sess, err := m.AttachNative("main", ndap.NewTransport(0), 1234)
	if err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if sess.Name != "main" {
		t.Fatalf("Name = %q, want main", sess.Name)
	}
	if cur := m.Current(); cur == nil || cur.Name != "main" {
		t.Fatal("expected first registered session to become current")
	}
}

func TestAttachNativeDuplicateNameIsError(t *testing.T) {
	m := newTestManager()
	if _, err := m.AttachNative("main", ndap.NewTransport(0), 1); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	_, err := m.AttachNative("main", ndap.NewTransport(0), 2)
	if !errs.Is(err, errs.CodeSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestGetUnknownSessionIsError(t *testing.T) {
	m := newTestManager()
	_, err := m.Get("nope")
	if !errs.Is(err, errs.CodeSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestUseSwitchesCurrent(t *testing.T) {
	m := newTestManager()
	if _, err := m.AttachNative("a", ndap.NewTransport(0), 1); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if _, err := m.AttachNative("b", ndap.NewTransport(0), 2); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if err := m.Use("b"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if cur := m.Current(); cur == nil || cur.Name != "b" {
		t.Fatal("expected current session to be b")
	}
}

func TestUseUnknownNameIsError(t *testing.T) {
	m := newTestManager()
	if err := m.Use("ghost"); !errs.Is(err, errs.CodeSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestCloseRemovesSessionAndReassignsCurrent(t *testing.T) {
	m := newTestManager()
	if _, err := m.AttachNative("a", ndap.NewTransport(0), 1); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if _, err := m.AttachNative("b", ndap.NewTransport(0), 2); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	ctx := context.Background()
	if err := m.Close(ctx, "a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Get("a"); !errs.Is(err, errs.CodeSessionUnknown) {
		t.Fatal("expected closed session to be gone")
	}
	if m.Current() == nil {
		t.Fatal("expected another session to become current after closing the active one")
	}
}

func TestCloseUnknownSessionIsError(t *testing.T) {
	m := newTestManager()
	if err := m.Close(context.Background(), "ghost"); !errs.Is(err, errs.CodeSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
}

func TestListReflectsRegisteredSessions(t *testing.T) {
	m := newTestManager()
	if _, err := m.AttachNative("a", ndap.NewTransport(0), 1); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if _, err := m.AttachNative("b", ndap.NewTransport(0), 2); err != nil {
		t.Fatalf("AttachNative: %v", err)
	}
	if got := len(m.List()); got != 2 {
		t.Fatalf("List() returned %d entries, want 2", got)
	}
}

func TestOpenWithoutCommandIsError(t *testing.T) {
	m := newTestManager()
	_, err := m.Open(context.Background(), TargetSpec{Name: "x"})
	if !errs.Is(err, errs.CodeInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
