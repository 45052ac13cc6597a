package session

import (
	"testing"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/ndap"
)

func TestRequireCapabilityRejectsUnsupported(t *testing.T) {
	sess := newNDAPSession("main", ndap.NewTransport(0), nil)
	err := sess.RequireCapability("dom")
	if !errs.Is(err, errs.CodeCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported for dom on an NDAP session, got %v", err)
	}
}

func TestRequireCapabilityAcceptsSupported(t *testing.T) {
	sess := newNDAPSession("main", ndap.NewTransport(0), nil)
	if err := sess.RequireCapability("breakpoints"); err != nil {
		t.Fatalf("expected breakpoints to be supported on an NDAP session, got %v", err)
	}
}

func TestStateReflectsConnected(t *testing.T) {
	sess := newNDAPSession("main", ndap.NewTransport(0), nil)
	if !sess.State().Connected {
		t.Fatal("expected a newly wired session to be marked connected")
	}
}
