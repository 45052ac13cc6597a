package vtable

import (
	"testing"

	"github.com/douglance/dbg-sub001/internal/errs"
	"github.com/douglance/dbg-sub001/internal/types"
)

func TestLookupUnknownTable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope", types.ProtoBWP)
	if !errs.Is(err, errs.CodeUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestLookupProtocolMismatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{Name: "dom", Protocols: []types.Protocol{types.ProtoBWP}})
	_, err := r.Lookup("dom", types.ProtoNDAP)
	if !errs.Is(err, errs.CodeTableNotAvailableForProtocol) {
		t.Fatalf("expected ErrTableNotAvailableForProtocol, got %v", err)
	}
}

func TestLookupUnsetProtocolsMatchesAny(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{Name: "breakpoints"})
	if _, err := r.Lookup("breakpoints", types.ProtoBWP); err != nil {
		t.Fatalf("expected match for BWP, got %v", err)
	}
	if _, err := r.Lookup("breakpoints", types.ProtoNDAP); err != nil {
		t.Fatalf("expected match for NDAP, got %v", err)
	}
}

func TestLookupSameNameDifferentProtocols(t *testing.T) {
	r := NewRegistry()
	r.Register(&Table{Name: "source", Protocols: []types.Protocol{types.ProtoBWP}, Columns: []string{"bwp"}})
	r.Register(&Table{Name: "source", Protocols: []types.Protocol{types.ProtoNDAP}, Columns: []string{"ndap"}})

	got, err := r.Lookup("source", types.ProtoNDAP)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Columns[0] != "ndap" {
		t.Fatalf("resolved wrong variant: %v", got.Columns)
	}
}
