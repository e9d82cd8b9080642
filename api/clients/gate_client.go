package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ruteri/actuation-gate/gate"
	"github.com/ruteri/actuation-gate/httpserver"
	"github.com/ruteri/actuation-gate/interfaces"
)

// APIError is a non-2xx response from the gate.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	// Reason is the stable rejection code, when the gate reports one.
	Reason string `json:"reason"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gate returned %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("gate returned %d: %s", e.StatusCode, e.Message)
}

// decodeResponse decodes a 2xx body into out, or turns the response into an
// *APIError.
func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GateClient calls the public command, consensus and ledger API.
type GateClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGateClient creates a client for the gate at baseURL
// (e.g., "http://localhost:8080").
func NewGateClient(baseURL string, timeout ...time.Duration) *GateClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &GateClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (c *GateClient) request(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	return resp, nil
}

func (c *GateClient) do(ctx context.Context, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// verdict decodes a submission response. Rejections carry a verdict body
// with a non-2xx status and are returned without an error.
func (c *GateClient) verdict(ctx context.Context, path string, reqBody any) (gate.Verdict, error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return gate.Verdict{}, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return gate.Verdict{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gate.Verdict{}, fmt.Errorf("failed to read response: %w", err)
	}
	var probe struct {
		Outcome *string `json:"outcome"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.Outcome != nil {
		var v gate.Verdict
		if err := json.Unmarshal(raw, &v); err != nil {
			return gate.Verdict{}, fmt.Errorf("failed to parse verdict: %w", err)
		}
		return v, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return gate.Verdict{}, decodeResponse(resp, nil)
}

// Status returns the gate summary.
func (c *GateClient) Status(ctx context.Context) (httpserver.StatusResponse, error) {
	var status httpserver.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

// Submit proposes a command.
func (c *GateClient) Submit(ctx context.Context, p gate.Proposal) (gate.Verdict, error) {
	return c.verdict(ctx, "/commands", p)
}

// Resume re-evaluates a command parked on consensus.
func (c *GateClient) Resume(ctx context.Context, commandID string) (gate.Verdict, error) {
	return c.verdict(ctx, "/commands/"+url.PathEscape(commandID)+"/resume", nil)
}

// Parked lists command ids awaiting consensus.
func (c *GateClient) Parked(ctx context.Context) ([]string, error) {
	var resp struct {
		Commands []string `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, "/commands/parked", nil, &resp)
	return resp.Commands, err
}

// Deliver hands a received envelope to the gate for decryption.
func (c *GateClient) Deliver(ctx context.Context, envelope []byte) (interfaces.EncryptedCommand, []byte, error) {
	resp, err := c.request(ctx, http.MethodPost, "/envelopes", bytes.NewReader(envelope))
	if err != nil {
		return interfaces.EncryptedCommand{}, nil, err
	}
	defer resp.Body.Close()

	var received httpserver.ReceiveResponse
	if err := decodeResponse(resp, &received); err != nil {
		return interfaces.EncryptedCommand{}, nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(received.Payload)
	if err != nil {
		return interfaces.EncryptedCommand{}, nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	return received.Command, payload, nil
}

// Vote submits a signed vote and returns the decision state after it.
func (c *GateClient) Vote(ctx context.Context, v interfaces.Vote) (interfaces.DecisionState, error) {
	var resp httpserver.VoteResponse
	err := c.do(ctx, http.MethodPost, "/votes", v, &resp)
	return resp.State, err
}

// Decision returns the state of a consensus decision.
func (c *GateClient) Decision(ctx context.Context, h interfaces.Hash) (interfaces.ConsensusResult, error) {
	var result interfaces.ConsensusResult
	err := c.do(ctx, http.MethodGet, "/decisions/"+h.String(), nil, &result)
	return result, err
}

// Votes lists the votes cast on an open decision.
func (c *GateClient) Votes(ctx context.Context, h interfaces.Hash) ([]interfaces.Vote, error) {
	var resp struct {
		Votes []interfaces.Vote `json:"votes"`
	}
	err := c.do(ctx, http.MethodGet, "/decisions/"+h.String()+"/votes", nil, &resp)
	return resp.Votes, err
}

// Ledger returns up to limit blocks starting at block number from. A zero
// limit uses the server default.
func (c *GateClient) Ledger(ctx context.Context, from uint64, limit int) ([]interfaces.Transaction, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Transactions []interfaces.Transaction `json:"transactions"`
	}
	err := c.do(ctx, http.MethodGet, "/ledger?"+q.Encode(), nil, &resp)
	return resp.Transactions, err
}

// Pending lists transactions awaiting confirmation.
func (c *GateClient) Pending(ctx context.Context) ([]interfaces.Transaction, error) {
	var resp struct {
		Transactions []interfaces.Transaction `json:"transactions"`
	}
	err := c.do(ctx, http.MethodGet, "/ledger/pending", nil, &resp)
	return resp.Transactions, err
}

// Transaction returns one transaction by id.
func (c *GateClient) Transaction(ctx context.Context, id string) (interfaces.Transaction, error) {
	var tx interfaces.Transaction
	err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(id), nil, &tx)
	return tx, err
}

// Confirm records nodeID's endorsement of a transaction.
func (c *GateClient) Confirm(ctx context.Context, id, nodeID string) (interfaces.Transaction, error) {
	var tx interfaces.Transaction
	err := c.do(ctx, http.MethodPost, "/transactions/"+url.PathEscape(id)+"/confirm", httpserver.ConfirmRequest{NodeID: nodeID}, &tx)
	return tx, err
}

// Targets lists the authorized targets.
func (c *GateClient) Targets(ctx context.Context) ([]interfaces.Target, error) {
	var resp struct {
		Targets []interfaces.Target `json:"targets"`
	}
	err := c.do(ctx, http.MethodGet, "/targets", nil, &resp)
	return resp.Targets, err
}

// Target returns one authorized target.
func (c *GateClient) Target(ctx context.Context, id uint32) (interfaces.Target, error) {
	var target interfaces.Target
	err := c.do(ctx, http.MethodGet, "/targets/"+strconv.FormatUint(uint64(id), 10), nil, &target)
	return target, err
}
