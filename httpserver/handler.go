package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/actuation-gate/consensus"
	"github.com/ruteri/actuation-gate/gate"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/targets"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// defaultPageSize bounds ledger listings without an explicit limit.
	defaultPageSize = 100
	maxPageSize     = 1000
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// statusFor maps a component error to the HTTP status reported for it.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, interfaces.ErrCapacityFailure):
		return http.StatusTooManyRequests
	case errors.Is(err, interfaces.ErrCommandNotFound),
		errors.Is(err, interfaces.ErrTransactionNotFound),
		errors.Is(err, interfaces.ErrDecisionNotFound),
		errors.Is(err, interfaces.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrStaleDecision),
		errors.Is(err, interfaces.ErrDuplicateVoter),
		errors.Is(err, interfaces.ErrDecisionExists),
		errors.Is(err, interfaces.ErrAlreadyEndorsed):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrAuthorizationFailure),
		errors.Is(err, interfaces.ErrVoterUnauthorized),
		errors.Is(err, interfaces.ErrUnknownValidator):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrCryptoFailure),
		errors.Is(err, interfaces.ErrConsensusFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	} else {
		h.log.Debug("Request rejected", "err", err, "status", status)
	}
	resp := errorResponse{Error: err.Error()}
	if reason := interfaces.ReasonCode(err); reason != "internal" {
		resp.Reason = reason
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// Services are the components exposed over HTTP.
type Services struct {
	Gate      *gate.Gate
	Keys      *keystore.Store
	Targets   *targets.Registry
	Ledger    *ledger.Ledger
	Consensus *consensus.Coordinator
}

func (s Services) validate() error {
	if s.Gate == nil || s.Keys == nil || s.Targets == nil || s.Ledger == nil || s.Consensus == nil {
		return errors.New("httpserver needs gate, keys, targets, ledger and consensus")
	}
	return nil
}

// Handler serves the command, ledger and consensus API.
type Handler struct {
	svc Services
	log *slog.Logger
}

// NewHandler creates the public API handler.
func NewHandler(svc Services, log *slog.Logger) (*Handler, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}, nil
}

type route struct {
	method  string
	pattern string
	serve   func(*Handler, http.ResponseWriter, *http.Request)
}

// apiRoutes is the public API, relative to /api/v1.
var apiRoutes = []route{
	{http.MethodGet, "/status", (*Handler).HandleStatus},

	{http.MethodPost, "/commands", (*Handler).HandleSubmit},
	{http.MethodGet, "/commands/parked", (*Handler).HandleParked},
	{http.MethodPost, "/commands/{id}/resume", (*Handler).HandleResume},
	{http.MethodPost, "/envelopes", (*Handler).HandleReceive},

	{http.MethodPost, "/votes", (*Handler).HandleVote},
	{http.MethodGet, "/decisions/{hash}", (*Handler).HandleDecision},
	{http.MethodGet, "/decisions/{hash}/votes", (*Handler).HandleDecisionVotes},

	{http.MethodGet, "/ledger", (*Handler).HandleLedger},
	{http.MethodGet, "/ledger/pending", (*Handler).HandlePending},
	{http.MethodGet, "/transactions/{id}", (*Handler).HandleTransaction},
	{http.MethodPost, "/transactions/{id}/confirm", (*Handler).HandleConfirm},

	{http.MethodGet, "/targets", (*Handler).HandleTargets},
	{http.MethodGet, "/targets/{id}", (*Handler).HandleTarget},
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	for _, rt := range apiRoutes {
		serve := rt.serve
		r.MethodFunc(rt.method, rt.pattern, func(w http.ResponseWriter, req *http.Request) {
			serve(h, w, req)
		})
	}
}

// StatusResponse summarizes the node.
type StatusResponse struct {
	Locked          bool            `json:"locked"`
	LockReason      string          `json:"lock_reason,omitempty"`
	LedgerHeight    uint64          `json:"ledger_height"`
	TailHash        interfaces.Hash `json:"tail_hash"`
	Pending         int             `json:"pending_transactions"`
	OpenDecisions   int             `json:"open_decisions"`
	Parked          int             `json:"parked_commands"`
	Targets         int             `json:"targets"`
	LiveKeys        int             `json:"live_keys"`
	MasterKeyID     string          `json:"master_key_id,omitempty"`
	RotationOverdue bool            `json:"rotation_due"`
}

// HandleStatus reports lockdown, ledger and table state.
//
// Endpoint: GET /api/v1/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	locked, reason := h.svc.Gate.Locked()
	tail := h.svc.Ledger.Tail()
	resp := StatusResponse{
		Locked:          locked,
		LockReason:      reason,
		LedgerHeight:    tail.BlockNumber,
		TailHash:        tail.Hash,
		Pending:         len(h.svc.Ledger.Pending()),
		OpenDecisions:   h.svc.Consensus.OpenDecisions(),
		Parked:          len(h.svc.Gate.Parked()),
		Targets:         h.svc.Targets.Count(),
		LiveKeys:        h.svc.Keys.LiveKeys(),
		RotationOverdue: h.svc.Keys.RotationDue(),
	}
	if master, err := h.svc.Keys.Master(); err == nil {
		resp.MasterKeyID = master.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// verdictStatus maps a verdict to its HTTP status: executed commands are 200,
// commands still waiting on consensus 202, rejections by their error category.
func verdictStatus(v gate.Verdict) int {
	switch v.Outcome {
	case gate.Executed:
		return http.StatusOK
	case gate.Pending:
		return http.StatusAccepted
	}
	switch v.Reason {
	case gate.ReasonLowConfidence, gate.ReasonInvalidProposal:
		return http.StatusUnprocessableEntity
	case gate.ReasonDispatchFailed:
		return http.StatusBadGateway
	case gate.ReasonPostHocUnavailable:
		return http.StatusServiceUnavailable
	}
	if v.Err != nil {
		return statusFor(v.Err)
	}
	return http.StatusUnprocessableEntity
}

// HandleSubmit submits a scored proposal to the gate. The verdict is returned
// in the body for every outcome.
//
// Endpoint: POST /api/v1/commands
// Body: gate.Proposal
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var p gate.Proposal
	if err := decodeBody(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	v := h.svc.Gate.Submit(r.Context(), p)
	writeJSON(w, verdictStatus(v), v)
}

// HandleResume resumes a parked command.
//
// Endpoint: POST /api/v1/commands/{id}/resume
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	v := h.svc.Gate.Resume(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, verdictStatus(v), v)
}

// HandleParked lists the ids of commands waiting on consensus.
//
// Endpoint: GET /api/v1/commands/parked
func (h *Handler) HandleParked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"commands": h.svc.Gate.Parked()})
}

// ReceiveResponse is the authenticated content of a received envelope.
type ReceiveResponse struct {
	Command interfaces.EncryptedCommand `json:"command"`
	Payload string                      `json:"payload"`
}

// HandleReceive authenticates and decrypts a raw envelope on behalf of a
// controller that does not hold keys itself.
//
// Endpoint: POST /api/v1/envelopes
// Body: raw envelope bytes
func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, badRequest("failed to read request body: %v", err))
		return
	}
	if len(raw) == 0 {
		h.writeError(w, badRequest("empty envelope"))
		return
	}
	cmd, err := h.svc.Gate.Receive(raw)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReceiveResponse{
		Command: cmd,
		Payload: base64.StdEncoding.EncodeToString(cmd.Payload),
	})
}

// VoteResponse reports the decision state after a vote.
type VoteResponse struct {
	DecisionHash interfaces.Hash          `json:"decision_hash"`
	State        interfaces.DecisionState `json:"state"`
}

// HandleVote submits a signed vote. Late votes for resolved decisions are
// answered with 409.
//
// Endpoint: POST /api/v1/votes
// Body: interfaces.Vote
func (h *Handler) HandleVote(w http.ResponseWriter, r *http.Request) {
	var vote interfaces.Vote
	if err := decodeBody(r, &vote); err != nil {
		h.writeError(w, err)
		return
	}
	state, err := h.svc.Consensus.SubmitVote(vote)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VoteResponse{DecisionHash: vote.DecisionHash, State: state})
}

func decisionHashParam(r *http.Request) (interfaces.Hash, error) {
	hash, err := interfaces.HashFromHex(chi.URLParam(r, "hash"))
	if err != nil {
		return interfaces.Hash{}, badRequest("invalid decision hash: %v", err)
	}
	return hash, nil
}

// HandleDecision returns the state of a decision.
//
// Endpoint: GET /api/v1/decisions/{hash}
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	hash, err := decisionHashParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.svc.Consensus.Status(hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDecisionVotes returns the votes of an open decision.
//
// Endpoint: GET /api/v1/decisions/{hash}/votes
func (h *Handler) HandleDecisionVotes(w http.ResponseWriter, r *http.Request) {
	hash, err := decisionHashParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	votes, err := h.svc.Consensus.Votes(hash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]interfaces.Vote{"votes": votes})
}

// HandleLedger pages through the chain.
//
// Endpoint: GET /api/v1/ledger?from=<block>&limit=<n>
func (h *Handler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	from, limit := uint64(0), defaultPageSize
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.writeError(w, badRequest("invalid from: %v", err))
			return
		}
		from = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			h.writeError(w, badRequest("limit must be in [1, %d]", maxPageSize))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string][]interfaces.Transaction{
		"transactions": h.svc.Ledger.Transactions(from, limit),
	})
}

// HandlePending lists transactions still short of the confirmation threshold.
//
// Endpoint: GET /api/v1/ledger/pending
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]interfaces.Transaction{
		"transactions": h.svc.Ledger.Pending(),
	})
}

// HandleTransaction returns one transaction.
//
// Endpoint: GET /api/v1/transactions/{id}
func (h *Handler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Ledger.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ConfirmRequest is a validator confirmation.
type ConfirmRequest struct {
	NodeID string `json:"node_id"`
}

// HandleConfirm records a validator confirmation. Only members of the
// configured validator set are accepted.
//
// Endpoint: POST /api/v1/transactions/{id}/confirm
// Body: {"node_id": "<validator>"}
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.NodeID == "" {
		h.writeError(w, badRequest("node_id is required"))
		return
	}
	tx, err := h.svc.Ledger.Confirm(chi.URLParam(r, "id"), req.NodeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// HandleTargets lists the target table.
//
// Endpoint: GET /api/v1/targets
func (h *Handler) HandleTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]interfaces.Target{"targets": h.svc.Targets.List()})
}

func targetIDParam(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		return 0, badRequest("invalid target id: %v", err)
	}
	return uint32(id), nil
}

// HandleTarget returns one target whether or not it is authorized.
//
// Endpoint: GET /api/v1/targets/{id}
func (h *Handler) HandleTarget(w http.ResponseWriter, r *http.Request) {
	id, err := targetIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	target, err := h.svc.Targets.Get(id)
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Err: err})
		return
	}
	writeJSON(w, http.StatusOK, target)
}
