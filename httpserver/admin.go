package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/snapshot"
)

// Admin authentication headers.
const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
	AdminTimestampHeader = "X-Admin-Timestamp"
)

// DefaultAdminClockSkew is how far an admin request timestamp may be from the
// server clock.
const DefaultAdminClockSkew = 5 * time.Minute

// DefaultAdminReplayCacheSize bounds the signatures remembered for replay
// detection.
const DefaultAdminReplayCacheSize = 4096

type adminIDKey struct{}

// AdminRequestDigest is the digest an administrator signs:
// sha256(method SP path LF unix-timestamp LF body).
func AdminRequestDigest(method, path string, timestamp int64, body []byte) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s %s\n%d\n", method, path, timestamp)
	h.Write(body)
	return h.Sum(nil)
}

// AdminConfig configures an AdminHandler.
type AdminConfig struct {
	// AdminPubKeys maps admin ids to PEM public keys.
	AdminPubKeys map[string][]byte
	// Keys is needed before the rest of the services exist, for recovery.
	Keys *keystore.Store
	// Snapshots is optional; without it snapshot requests fail with 501.
	Snapshots *snapshot.Store
	// Audit is optional; without it the audit listing is empty.
	Audit *audit.Ring

	MaxClockSkew time.Duration
	// ReplayCacheSize is how many accepted signatures are remembered. It
	// should cover the request volume of twice MaxClockSkew.
	ReplayCacheSize int
	Clock           clock.Clock
	Log          *slog.Logger
}

// AdminHandler serves the signed administrative API: master key recovery,
// target management, key rotation, lockdown, snapshots and the audit trail.
//
// Recovery endpoints work as soon as the handler exists. Every other
// operation needs the gate, which is attached with SetServices once the
// master key is available.
type AdminHandler struct {
	cfg   AdminConfig
	log   *slog.Logger
	clock clock.Clock

	adminKeys map[string]*ecdsa.PublicKey
	seen      *lru.Cache

	mu        sync.RWMutex
	svc       *Services
	recovery  *keystore.Recovery
	recovered chan struct{}
	closeOnce sync.Once
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(cfg AdminConfig) (*AdminHandler, error) {
	if cfg.Keys == nil {
		return nil, errors.New("admin handler needs a keystore")
	}
	if len(cfg.AdminPubKeys) == 0 {
		return nil, errors.New("at least one admin public key is required")
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultAdminClockSkew
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = DefaultAdminReplayCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	seen, err := lru.New(cfg.ReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay cache: %w", err)
	}

	adminKeys := make(map[string]*ecdsa.PublicKey, len(cfg.AdminPubKeys))
	for adminID, pemData := range cfg.AdminPubKeys {
		pub, err := cryptoutils.ParsePublicKeyPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", adminID, err)
		}
		adminKeys[adminID] = pub
	}

	h := &AdminHandler{
		cfg:       cfg,
		log:       cfg.Log,
		clock:     cfg.Clock,
		adminKeys: adminKeys,
		seen:      seen,
		recovered: make(chan struct{}),
	}
	if _, err := cfg.Keys.Master(); err == nil {
		h.markRecovered()
	}
	return h, nil
}

// SetServices attaches the gate components once they are wired.
func (h *AdminHandler) SetServices(svc Services) error {
	if err := svc.validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.svc = &svc
	return nil
}

func (h *AdminHandler) services() (*Services, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.svc == nil {
		return nil, &RequestError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("gate is not running yet")}
	}
	return h.svc, nil
}

func (h *AdminHandler) markRecovered() {
	h.closeOnce.Do(func() { close(h.recovered) })
}

// WaitForMaster blocks until the keystore holds a master key, either because
// one was present at startup or because a recovery completed.
func (h *AdminHandler) WaitForMaster(ctx context.Context) error {
	select {
	case <-h.recovered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdminRouter returns the admin API. Every route requires a signed request.
func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)

	r.Get("/status", h.handleStatus)

	r.Post("/recovery/start", h.handleRecoveryStart)
	r.Post("/recovery/share", h.handleRecoveryShare)
	r.Post("/recovery/export", h.handleRecoveryExport)

	r.Post("/targets", h.handleAuthorizeTarget)
	r.Delete("/targets/{id}", h.handleRevokeTarget)
	r.Post("/targets/parameters", h.handleTargetParameters)

	r.Post("/keys/rotate", h.handleRotate)
	r.Get("/keys/history", h.handleKeyHistory)

	r.Post("/lockdown", h.handleLockdown)
	r.Delete("/lockdown", h.handleReleaseLockdown)

	r.Post("/snapshot", h.handleSnapshot)
	r.Get("/audit", h.handleAudit)
	return r
}

func (h *AdminHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Admin request failed", "err", err)
	}
	resp := errorResponse{Error: err.Error()}
	if reason := interfaces.ReasonCode(err); reason != "internal" {
		resp.Reason = reason
	}
	writeJSON(w, status, resp)
}

// requireAdmin rejects requests that are not signed by a registered admin.
func (h *AdminHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminID, err := h.verifyAdmin(r)
		if err != nil {
			h.log.Warn("Admin authentication failed", "adminID", adminID, "path", r.URL.Path, "err", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminIDKey{}, adminID)))
	})
}

// verifyAdmin checks the admin headers against the whitelist and the request
// signature against that admin's key. The body is restored for the handler.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, error) {
	adminID := r.Header.Get(AdminIDHeader)
	sigB64 := r.Header.Get(AdminSignatureHeader)
	tsStr := r.Header.Get(AdminTimestampHeader)
	if adminID == "" || sigB64 == "" || tsStr == "" {
		return adminID, errors.New("missing admin headers")
	}

	pub, found := h.adminKeys[adminID]
	if !found {
		return adminID, errors.New("unknown admin")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return adminID, fmt.Errorf("invalid timestamp: %w", err)
	}
	skew := h.clock.Now().Sub(time.Unix(ts, 0))
	if skew < -h.cfg.MaxClockSkew || skew > h.cfg.MaxClockSkew {
		return adminID, fmt.Errorf("timestamp outside allowed skew %s", h.cfg.MaxClockSkew)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return adminID, fmt.Errorf("invalid signature encoding: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return adminID, fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if !ecdsa.VerifyASN1(pub, AdminRequestDigest(r.Method, r.URL.Path, ts, body), sig) {
		return adminID, errors.New("invalid signature")
	}

	// ECDSA signatures stay valid with s negated, so replays are keyed on r.
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return adminID, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if seen, _ := h.seen.ContainsOrAdd(adminID+":"+parsed.R.Text(16), struct{}{}); seen {
		return adminID, errors.New("replayed request")
	}
	return adminID, nil
}

func adminFrom(r *http.Request) string {
	adminID, _ := r.Context().Value(adminIDKey{}).(string)
	return adminID
}

// AdminStatus reports bootstrap and gate state.
type AdminStatus struct {
	MasterKeyID       string `json:"master_key_id,omitempty"`
	Running           bool   `json:"running"`
	Recovering        bool   `json:"recovering"`
	SharesReceived    int    `json:"shares_received,omitempty"`
	RecoveryThreshold int    `json:"recovery_threshold,omitempty"`
	Locked            bool   `json:"locked"`
	LockReason        string `json:"lock_reason,omitempty"`
}

// handleStatus returns the bootstrap and lockdown state.
//
// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status AdminStatus
	if master, err := h.cfg.Keys.Master(); err == nil {
		status.MasterKeyID = master.ID
	}

	h.mu.RLock()
	svc, recovery := h.svc, h.recovery
	h.mu.RUnlock()

	if recovery != nil {
		received, threshold, recovered := recovery.Status()
		status.Recovering = !recovered
		status.SharesReceived = received
		status.RecoveryThreshold = threshold
	}
	if svc != nil {
		status.Running = true
		status.Locked, status.LockReason = svc.Gate.Locked()
	}
	writeJSON(w, http.StatusOK, status)
}

// ThresholdRequest carries a Shamir threshold.
type ThresholdRequest struct {
	Threshold int `json:"threshold"`
}

// handleRecoveryStart opens a share collection. It is refused once a master
// key exists.
//
// Endpoint: POST /admin/recovery/start
// Body: {"threshold": <int>}
func (h *AdminHandler) handleRecoveryStart(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if _, err := h.cfg.Keys.Master(); err == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: errors.New("master key already present")})
		return
	}
	if req.Threshold > len(h.cfg.AdminPubKeys) {
		h.writeError(w, badRequest("threshold %d exceeds the %d registered admins", req.Threshold, len(h.cfg.AdminPubKeys)))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recovery != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: errors.New("recovery already in progress")})
		return
	}
	recovery, err := keystore.NewRecovery(h.cfg.Keys, req.Threshold, h.cfg.AdminPubKeys)
	if err != nil {
		h.writeError(w, badRequest("%v", err))
		return
	}
	h.recovery = recovery

	h.log.Info("Master key recovery started", "adminID", adminFrom(r), "threshold", req.Threshold)
	writeJSON(w, http.StatusOK, map[string]int{"threshold": req.Threshold})
}

// ShareSubmission is an administrator's decrypted share and their signature
// over sha256(share).
type ShareSubmission struct {
	Share     string `json:"share"`
	Signature string `json:"signature"`
}

// handleRecoveryShare submits one decrypted share. The master key is
// installed once the threshold is reached.
//
// Endpoint: POST /admin/recovery/share
// Body: {"share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleRecoveryShare(w http.ResponseWriter, r *http.Request) {
	var req ShareSubmission
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	share, err := base64.StdEncoding.DecodeString(req.Share)
	if err != nil {
		h.writeError(w, badRequest("invalid share encoding: %v", err))
		return
	}
	defer cryptoutils.Wipe(share)
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		h.writeError(w, badRequest("invalid signature encoding: %v", err))
		return
	}

	h.mu.RLock()
	recovery := h.recovery
	h.mu.RUnlock()
	if recovery == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusConflict, Err: errors.New("no recovery in progress")})
		return
	}

	adminID := adminFrom(r)
	recovered, err := recovery.SubmitShare(adminID, share, sig)
	if err != nil {
		h.log.Warn("Recovery share refused", "adminID", adminID, "share", keystore.ShareFingerprint(share), "err", err)
		h.writeError(w, badRequest("%v", err))
		return
	}
	h.log.Info("Recovery share accepted", "adminID", adminID, "share", keystore.ShareFingerprint(share), "recovered", recovered)

	if recovered {
		h.markRecovered()
	}
	received, threshold, _ := recovery.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered": recovered,
		"received":  received,
		"threshold": threshold,
	})
}

// handleRecoveryExport splits the current master key into one share per
// registered admin, each sealed to that admin's public key.
//
// Endpoint: POST /admin/recovery/export
// Body: {"threshold": <int>}
// Response: {"shares": {"<admin id>": "<base64 sealed share>"}}
func (h *AdminHandler) handleRecoveryExport(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	sealed, err := h.cfg.Keys.ExportRecoveryShares(h.cfg.AdminPubKeys, req.Threshold)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		h.writeError(w, err)
		return
	}
	if err != nil {
		h.writeError(w, badRequest("%v", err))
		return
	}

	shares := make(map[string]string, len(sealed))
	for adminID, share := range sealed {
		shares[adminID] = base64.StdEncoding.EncodeToString(share)
	}
	h.log.Info("Recovery shares exported", "adminID", adminFrom(r), "threshold", req.Threshold, "shares", len(shares))
	writeJSON(w, http.StatusOK, map[string]map[string]string{"shares": shares})
}

// handleAuthorizeTarget signs a target into the table.
//
// Endpoint: POST /admin/targets
// Body: interfaces.Target (id, position, precision_radius, swarm_id, kind)
func (h *AdminHandler) handleAuthorizeTarget(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	var target interfaces.Target
	if err := decodeBody(r, &target); err != nil {
		h.writeError(w, err)
		return
	}
	authorized, err := svc.Targets.Authorize(target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Target authorized", "adminID", adminFrom(r), "targetID", authorized.ID, "swarmID", authorized.SwarmID)
	writeJSON(w, http.StatusOK, authorized)
}

// handleRevokeTarget removes a target.
//
// Endpoint: DELETE /admin/targets/{id}
func (h *AdminHandler) handleRevokeTarget(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := targetIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := svc.Targets.Revoke(id); err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: err})
		return
	}
	h.log.Info("Target revoked", "adminID", adminFrom(r), "targetID", id)
	writeJSON(w, http.StatusOK, map[string]uint32{"revoked": id})
}

// TargetParameters changes the placement checks. Nil fields are unchanged.
type TargetParameters struct {
	SafetyPerimeter *float64 `json:"safety_perimeter,omitempty"`
	Precision       *float64 `json:"precision,omitempty"`
}

// handleTargetParameters adjusts the safety perimeter and precision.
//
// Endpoint: POST /admin/targets/parameters
func (h *AdminHandler) handleTargetParameters(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req TargetParameters
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.SafetyPerimeter != nil {
		if err := svc.Targets.SetSafetyPerimeter(*req.SafetyPerimeter); err != nil {
			h.writeError(w, badRequest("%v", err))
			return
		}
	}
	if req.Precision != nil {
		if err := svc.Targets.SetPrecision(*req.Precision); err != nil {
			h.writeError(w, badRequest("%v", err))
			return
		}
	}
	perimeter, precision := svc.Targets.SafetyPerimeter(), svc.Targets.Precision()
	h.log.Info("Target parameters changed", "adminID", adminFrom(r), "safetyPerimeter", perimeter, "precision", precision)
	writeJSON(w, http.StatusOK, TargetParameters{SafetyPerimeter: &perimeter, Precision: &precision})
}

// KeyInfo describes a key without its material.
type KeyInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// handleRotate rotates the master key and re-signs the target table.
//
// Endpoint: POST /admin/keys/rotate
func (h *AdminHandler) handleRotate(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	master, err := svc.Gate.RotateKeys()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Master key rotated", "adminID", adminFrom(r), "keyID", master.ID)
	writeJSON(w, http.StatusOK, KeyInfo{ID: master.ID, CreatedAt: master.CreatedAt, ExpiresAt: master.ExpiresAt})
}

// handleKeyHistory lists retired keys.
//
// Endpoint: GET /admin/keys/history
func (h *AdminHandler) handleKeyHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]interfaces.KeyRecord{"keys": h.cfg.Keys.History()})
}

// LockdownRequest carries the operator's reason.
type LockdownRequest struct {
	Reason string `json:"reason"`
}

// handleLockdown stops all command execution.
//
// Endpoint: POST /admin/lockdown
// Body: {"reason": "<text>"}
func (h *AdminHandler) handleLockdown(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req LockdownRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Reason == "" {
		h.writeError(w, badRequest("reason is required"))
		return
	}
	svc.Gate.Lockdown(fmt.Sprintf("%s (admin %s)", req.Reason, adminFrom(r)))
	locked, reason := svc.Gate.Locked()
	writeJSON(w, http.StatusOK, map[string]any{"locked": locked, "reason": reason})
}

// handleReleaseLockdown lifts a lockdown.
//
// Endpoint: DELETE /admin/lockdown
func (h *AdminHandler) handleReleaseLockdown(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	svc.Gate.ReleaseLockdown(adminFrom(r))
	locked, _ := svc.Gate.Locked()
	writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

// handleSnapshot saves the durable state and returns the manifest.
//
// Endpoint: POST /admin/snapshot
func (h *AdminHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Snapshots == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotImplemented, Err: errors.New("no snapshot storage configured")})
		return
	}
	svc, err := h.services()
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.cfg.Snapshots.Save(r.Context(), snapshot.State{Keys: svc.Keys, Targets: svc.Targets, Ledger: svc.Ledger})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Snapshot saved on request", "adminID", adminFrom(r), "chain", m.Chain.String())
	writeJSON(w, http.StatusOK, m)
}

// AuditEntry is the JSON form of an audit record.
type AuditEntry struct {
	Event        string            `json:"event"`
	Actor        string            `json:"actor"`
	Timestamp    time.Time         `json:"timestamp"`
	DecisionHash string            `json:"decision_hash,omitempty"`
	Outcome      string            `json:"outcome"`
	Bypass       bool              `json:"bypass,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

func auditEntry(rec audit.Record) AuditEntry {
	e := AuditEntry{
		Event:     rec.Event,
		Actor:     rec.Actor,
		Timestamp: rec.Timestamp,
		Outcome:   rec.Outcome,
		Bypass:    rec.Bypass,
	}
	if !rec.DecisionHash.IsZero() {
		e.DecisionHash = rec.DecisionHash.String()
	}
	if len(rec.Attrs) > 0 {
		e.Attrs = make(map[string]string, len(rec.Attrs))
		for _, a := range rec.Attrs {
			e.Attrs[a.Key] = a.Value.String()
		}
	}
	return e
}

// handleAudit lists the retained audit records, optionally of one event type.
//
// Endpoint: GET /admin/audit?event=<type>
func (h *AdminHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries := []AuditEntry{}
	if h.cfg.Audit != nil {
		var records []audit.Record
		if event := r.URL.Query().Get("event"); event != "" {
			records = h.cfg.Audit.Filter(event)
		} else {
			records = h.cfg.Audit.Records()
		}
		for _, rec := range records {
			entries = append(entries, auditEntry(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string][]AuditEntry{"records": entries})
}

// LoadAdminKeys loads admin public keys from a JSON file of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if admin.ID == "" {
			return nil, errors.New("admin entry without id")
		}
		if _, dup := result[admin.ID]; dup {
			return nil, fmt.Errorf("duplicate admin %s", admin.ID)
		}
		if err := cryptoutils.PublicKeyPEM(admin.PubKey).Validate(); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}
