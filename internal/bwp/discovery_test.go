package bwp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/douglance/dbg-sub001/internal/errs"
)

func discoveryServer(t *testing.T, targets []Target) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(targets)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return u.Hostname(), port
}

func TestDiscoverPrefersNodeOverPage(t *testing.T) {
	srv := discoveryServer(t, []Target{
		{Type: "page", ID: "p1"},
		{Type: "node", ID: "n1"},
	})
	host, port := hostPort(t, srv)

	target, err := Discover(host, port, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if target.ID != "n1" {
		t.Fatalf("ID = %q, want n1 (node preferred over page)", target.ID)
	}
}

func TestDiscoverFallsBackToPage(t *testing.T) {
	srv := discoveryServer(t, []Target{{Type: "page", ID: "p1"}})
	host, port := hostPort(t, srv)

	target, err := Discover(host, port, "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if target.ID != "p1" {
		t.Fatalf("ID = %q, want p1", target.ID)
	}
}

func TestDiscoverExplicitWantTypeMustMatchExactly(t *testing.T) {
	srv := discoveryServer(t, []Target{{Type: "page", ID: "p1"}})
	host, port := hostPort(t, srv)

	_, err := Discover(host, port, "node")
	if !errs.Is(err, errs.CodeNoTargetOfType) {
		t.Fatalf("expected ErrNoTargetOfType, got %v", err)
	}
}

func TestDiscoverNoTargetsAtAll(t *testing.T) {
	srv := discoveryServer(t, nil)
	host, port := hostPort(t, srv)

	_, err := Discover(host, port, "")
	if !errs.Is(err, errs.CodeNoTargetOfType) {
		t.Fatalf("expected ErrNoTargetOfType, got %v", err)
	}
}

func TestDiscoverMalformedJSONIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()
	host, port := hostPort(t, srv)

	_, err := Discover(host, port, "")
	if !errs.Is(err, errs.CodeDiscoveryParse) {
		t.Fatalf("expected ErrDiscoveryParse, got %v", err)
	}
}

func TestDiscoverUnreachableHost(t *testing.T) {
	_, err := DiscoverWithTimeout("127.0.0.1", 1, "", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	if !errs.Is(err, errs.CodeUnreachable) && !errs.Is(err, errs.CodeDiscoveryTimeout) {
		t.Fatalf("expected ErrUnreachable or ErrDiscoveryTimeout, got %v", err)
	}
}
