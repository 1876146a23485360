// Command healthcheck checks a local licensegate node and exits non-zero
// unless it reports itself healthy. It is the container HEALTHCHECK binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

const (
	healthPath   = "/api/v1/health"
	fallbackAddr = "127.0.0.1:8080"
	checkTimeout = 2 * time.Second
)

// nodeHealth is the subset of the licensegate health response the healthcheck reads.
type nodeHealth struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Remote bool   `json:"remote"`
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	addr := loopbackAddr(os.Getenv("LICENSEGATE_LISTEN_ADDR"))
	if _, err := checkHealth(ctx, addr); err != nil {
		fmt.Fprintf(os.Stderr, "licensegate unhealthy at %s: %v\n", addr, err)
		cancel()
		os.Exit(1)
	}
}

// checkHealth fetches the health endpoint at addr. A node is healthy when it
// answers 200 with status "ok" and a known licensing mode.
func checkHealth(ctx context.Context, addr string) (nodeHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+healthPath, nil)
	if err != nil {
		return nodeHealth{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nodeHealth{}, fmt.Errorf("request health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nodeHealth{}, fmt.Errorf("health returned status %d", resp.StatusCode)
	}

	var health nodeHealth
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&health); err != nil {
		return nodeHealth{}, fmt.Errorf("decode health: %w", err)
	}
	if health.Status != "ok" {
		return health, fmt.Errorf("node reports status %q", health.Status)
	}
	if !knownMode(health.Mode) {
		return health, errors.New("node reports no licensing mode")
	}
	return health, nil
}

func knownMode(mode string) bool {
	switch model.Mode(mode) {
	case model.ModeLocal, model.ModeRemote, model.ModeHybrid:
		return true
	default:
		return false
	}
}

// loopbackAddr rewrites a bind-all listen address to its loopback form, since
// the healthcheck runs next to the server it checks.
func loopbackAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fallbackAddr
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
