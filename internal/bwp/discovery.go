// Package bwp implements the browser/Node debugging transport: HTTP
// discovery of inspectable targets and a bidirectional JSON-RPC stream over
// a websocket (spec §4.7).
package bwp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/douglance/dbg-sub001/internal/errs"
)

const defaultDiscoveryTimeout = 5 * time.Second

// Target is one entry of the `/json` discovery response.
type Target struct {
	Type                 string `json:"type"`
	Title                string `json:"title"`
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover issues `GET http://<host>:<port>/json` and selects a target
// (spec §4.7): an explicit wantType must match exactly or the call fails
// with ErrNoTargetOfType; an empty wantType prefers "node", falling back to
// "page".
func Discover(host string, port int, wantType string) (*Target, error) {
	return DiscoverWithTimeout(host, port, wantType, defaultDiscoveryTimeout)
}

// DiscoverWithTimeout is Discover with an explicit HTTP client timeout.
func DiscoverWithTimeout(host string, port int, wantType string, timeout time.Duration) (*Target, error) {
	url := fmt.Sprintf("http://%s/json", net.JoinHostPort(host, fmt.Sprint(port)))
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(url)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, errs.Wrap(errs.CodeDiscoveryTimeout, err, "discovery timed out against %s", url)
		}
		return nil, errs.Wrap(errs.CodeUnreachable, err, "unreachable at %s:%d", host, port)
	}
	defer resp.Body.Close()

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, errs.Wrap(errs.CodeDiscoveryParse, err, "parsing discovery response")
	}

	return selectTarget(targets, wantType)
}

func selectTarget(targets []Target, wantType string) (*Target, error) {
	if wantType != "" {
		for i := range targets {
			if targets[i].Type == wantType {
				return &targets[i], nil
			}
		}
		return nil, errs.New(errs.CodeNoTargetOfType, "no target of type %q", wantType)
	}

	for i := range targets {
		if targets[i].Type == "node" {
			return &targets[i], nil
		}
	}
	for i := range targets {
		if targets[i].Type == "page" {
			return &targets[i], nil
		}
	}
	return nil, errs.New(errs.CodeNoTargetOfType, "no node or page target available")
}
