// Package transport delivers sealed command envelopes to swarm controllers.
//
// The gate hands each envelope to a Transport together with the swarm and
// target ids. HTTPTransport posts it to the controller endpoint configured
// for the swarm; LogTransport only records it, for dry runs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ruteri/actuation-gate/interfaces"
)

// Headers set on every delivery.
const (
	SwarmIDHeader  = "X-Swarm-ID"
	TargetIDHeader = "X-Target-ID"
)

// ErrNoEndpoint is returned for swarms without a configured controller.
var ErrNoEndpoint = errors.New("no controller endpoint for swarm")

// HTTPTransport posts envelopes to per-swarm controller endpoints.
type HTTPTransport struct {
	client *http.Client
	log    *slog.Logger

	mu        sync.RWMutex
	endpoints map[uint32]string
}

// NewHTTPTransport creates a transport for the given swarm endpoints.
func NewHTTPTransport(endpoints map[uint32]string, timeout time.Duration, log *slog.Logger) (*HTTPTransport, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	t := &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		log:       log,
		endpoints: make(map[uint32]string, len(endpoints)),
	}
	for swarmID, endpoint := range endpoints {
		if err := t.SetEndpoint(swarmID, endpoint); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetEndpoint sets or replaces the controller endpoint of a swarm.
func (t *HTTPTransport) SetEndpoint(swarmID uint32, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q for swarm %d", endpoint, swarmID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[swarmID] = u.String()
	return nil
}

// Send implements interfaces.Transport.
func (t *HTTPTransport) Send(ctx context.Context, swarmID uint32, targetID uint32, envelope []byte) error {
	t.mu.RLock()
	endpoint, found := t.endpoints[swarmID]
	t.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w %d", ErrNoEndpoint, swarmID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return fmt.Errorf("failed to create delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(SwarmIDHeader, strconv.FormatUint(uint64(swarmID), 10))
	req.Header.Set(TargetIDHeader, strconv.FormatUint(uint64(targetID), 10))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach controller of swarm %d: %w", swarmID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("controller of swarm %d returned %d: %s", swarmID, resp.StatusCode, string(body))
	}
	t.log.Debug("envelope delivered", "swarmID", swarmID, "targetID", targetID, "bytes", len(envelope))
	return nil
}

// LoadEndpoints reads swarm endpoints from JSON of the form
// {"swarms": [{"id": 3, "endpoint": "https://ctl-3.example.com/envelopes"}]}.
func LoadEndpoints(r io.Reader) (map[uint32]string, error) {
	var data struct {
		Swarms []struct {
			ID       uint32 `json:"id"`
			Endpoint string `json:"endpoint"`
		} `json:"swarms"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode swarm endpoints JSON: %w", err)
	}

	endpoints := make(map[uint32]string, len(data.Swarms))
	for _, s := range data.Swarms {
		if _, dup := endpoints[s.ID]; dup {
			return nil, fmt.Errorf("duplicate swarm %d", s.ID)
		}
		endpoints[s.ID] = s.Endpoint
	}
	return endpoints, nil
}

// LogTransport logs envelopes instead of delivering them.
type LogTransport struct {
	log *slog.Logger
}

// NewLogTransport creates a transport that only logs.
func NewLogTransport(log *slog.Logger) *LogTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LogTransport{log: log}
}

// Send implements interfaces.Transport.
func (t *LogTransport) Send(_ context.Context, swarmID uint32, targetID uint32, envelope []byte) error {
	t.log.Info("envelope not delivered (log transport)", "swarmID", swarmID, "targetID", targetID, "bytes", len(envelope))
	return nil
}

var (
	_ interfaces.Transport = (*HTTPTransport)(nil)
	_ interfaces.Transport = (*LogTransport)(nil)
)
