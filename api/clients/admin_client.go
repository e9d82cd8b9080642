package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/actuation-gate/httpserver"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/snapshot"
)

// AdminClient provides methods for interacting with the admin API.
// Every request is signed with the administrator's key.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client

	// now is the clock used for the signed timestamp.
	now func() time.Time
}

// NewAdminClient creates a new admin client.
//
// Parameters:
//   - baseURL: The base URL of the gate API (e.g., "http://localhost:8080")
//   - adminID: The administrator's ID
//   - privateKey: The administrator's ECDSA private key
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    baseURL,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
		now: time.Now,
	}
}

func (c *AdminClient) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := CreateSignedAdminRequest(method, c.baseURL+"/admin"+path, body, c.adminID, c.privateKey, c.now())
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// Status queries the bootstrap and lockdown state.
func (c *AdminClient) Status(ctx context.Context) (httpserver.AdminStatus, error) {
	var status httpserver.AdminStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// StartRecovery opens a master key recovery with the given threshold.
func (c *AdminClient) StartRecovery(ctx context.Context, threshold int) error {
	return c.do(ctx, http.MethodPost, "/recovery/start", httpserver.ThresholdRequest{Threshold: threshold}, nil)
}

// RecoveryProgress is the response to a share submission.
type RecoveryProgress struct {
	Recovered bool `json:"recovered"`
	Received  int  `json:"received"`
	Threshold int  `json:"threshold"`
}

// SubmitShare submits a decrypted share during recovery, signing it with the
// administrator's key.
func (c *AdminClient) SubmitShare(ctx context.Context, share []byte) (RecoveryProgress, error) {
	signature, err := keystore.SignShare(share, c.privateKey)
	if err != nil {
		return RecoveryProgress{}, fmt.Errorf("failed to sign share: %w", err)
	}

	var progress RecoveryProgress
	err = c.do(ctx, http.MethodPost, "/recovery/share", httpserver.ShareSubmission{
		Share:     base64.StdEncoding.EncodeToString(share),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}, &progress)
	return progress, err
}

// ExportShares splits the running master key. Each returned share is sealed
// to the public key of the admin it is keyed by.
func (c *AdminClient) ExportShares(ctx context.Context, threshold int) (map[string][]byte, error) {
	var resp struct {
		Shares map[string]string `json:"shares"`
	}
	if err := c.do(ctx, http.MethodPost, "/recovery/export", httpserver.ThresholdRequest{Threshold: threshold}, &resp); err != nil {
		return nil, err
	}

	shares := make(map[string][]byte, len(resp.Shares))
	for adminID, encoded := range resp.Shares {
		sealed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid share encoding for %s: %w", adminID, err)
		}
		shares[adminID] = sealed
	}
	return shares, nil
}

// WaitForMaster polls the status until the gate holds a master key.
func (c *AdminClient) WaitForMaster(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get gate status: %w", err)
		}
		if status.MasterKeyID != "" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AuthorizeTarget signs a target into the table.
func (c *AdminClient) AuthorizeTarget(ctx context.Context, target interfaces.Target) (interfaces.Target, error) {
	var authorized interfaces.Target
	err := c.do(ctx, http.MethodPost, "/targets", target, &authorized)
	return authorized, err
}

// RevokeTarget removes a target.
func (c *AdminClient) RevokeTarget(ctx context.Context, targetID uint32) error {
	return c.do(ctx, http.MethodDelete, "/targets/"+strconv.FormatUint(uint64(targetID), 10), nil, nil)
}

// SetTargetParameters changes the safety perimeter and precision. Nil fields
// are left unchanged; the resulting values are returned.
func (c *AdminClient) SetTargetParameters(ctx context.Context, params httpserver.TargetParameters) (httpserver.TargetParameters, error) {
	var current httpserver.TargetParameters
	err := c.do(ctx, http.MethodPost, "/targets/parameters", params, &current)
	return current, err
}

// RotateKeys rotates the master key.
func (c *AdminClient) RotateKeys(ctx context.Context) (httpserver.KeyInfo, error) {
	var info httpserver.KeyInfo
	err := c.do(ctx, http.MethodPost, "/keys/rotate", nil, &info)
	return info, err
}

// KeyHistory lists retired keys.
func (c *AdminClient) KeyHistory(ctx context.Context) ([]interfaces.KeyRecord, error) {
	var resp struct {
		Keys []interfaces.KeyRecord `json:"keys"`
	}
	err := c.do(ctx, http.MethodGet, "/keys/history", nil, &resp)
	return resp.Keys, err
}

// Lockdown stops all command execution on the gate.
func (c *AdminClient) Lockdown(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/lockdown", httpserver.LockdownRequest{Reason: reason}, nil)
}

// ReleaseLockdown lifts a lockdown.
func (c *AdminClient) ReleaseLockdown(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/lockdown", nil, nil)
}

// Snapshot asks the gate to persist its durable state.
func (c *AdminClient) Snapshot(ctx context.Context) (snapshot.Manifest, error) {
	var m snapshot.Manifest
	err := c.do(ctx, http.MethodPost, "/snapshot", nil, &m)
	return m, err
}

// Audit lists retained audit records, optionally of a single event type.
func (c *AdminClient) Audit(ctx context.Context, event string) ([]httpserver.AuditEntry, error) {
	path := "/audit"
	if event != "" {
		path += "?event=" + url.QueryEscape(event)
	}
	var resp struct {
		Records []httpserver.AuditEntry `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Records, err
}

// CreateSignedAdminRequest creates a new HTTP request with admin
// authentication headers.
//
// The signature is an ASN.1 ECDSA signature over
// httpserver.AdminRequestDigest(method, path, now, body), where path is the
// URL path without the query string.
func CreateSignedAdminRequest(method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey, now time.Time) (*http.Request, error) {
	req, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := signRequest(req, body, adminID, privateKey, now); err != nil {
		return nil, err
	}
	return req, nil
}

// SignAdminRequest adds authentication headers to an existing HTTP request.
// The body is read and restored.
func SignAdminRequest(req *http.Request, adminID string, privateKey *ecdsa.PrivateKey, now time.Time) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	return signRequest(req, body, adminID, privateKey, now)
}

func signRequest(req *http.Request, body []byte, adminID string, privateKey *ecdsa.PrivateKey, now time.Time) error {
	ts := now.Unix()
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, httpserver.AdminRequestDigest(req.Method, req.URL.Path, ts, body))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(httpserver.AdminIDHeader, adminID)
	req.Header.Set(httpserver.AdminTimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(httpserver.AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}
