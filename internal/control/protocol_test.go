package control

import (
	"encoding/json"
	"testing"

	"github.com/douglance/dbg-sub001/internal/errs"
)

func TestOkResponseMarshalsData(t *testing.T) {
	resp := okResponse("req-1", map[string]string{"name": "main"})
	if !resp.Ok {
		t.Fatal("expected Ok response")
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["name"] != "main" {
		t.Errorf("data[name] = %q, want main", data["name"])
	}
}

func TestErrResponseCarriesErrorCode(t *testing.T) {
	err := errs.New(errs.CodeSessionUnknown, "no such session %q", "main")
	resp := errResponse("req-2", err)
	if resp.Ok {
		t.Fatal("expected a failed response")
	}
	if resp.ErrorCode != string(errs.CodeSessionUnknown) {
		t.Errorf("ErrorCode = %q, want %q", resp.ErrorCode, errs.CodeSessionUnknown)
	}
	if resp.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestErrResponseWithoutCodeLeavesErrorCodeEmpty(t *testing.T) {
	resp := errResponse("req-3", errPlain("boom"))
	if resp.ErrorCode != "" {
		t.Errorf("ErrorCode = %q, want empty for a plain error", resp.ErrorCode)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
