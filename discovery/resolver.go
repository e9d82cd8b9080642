// Package discovery resolves the closed validator set of the ledger from DNS
// SRV records.
//
// Each SRV target under the service name is one validator; its node id is the
// target host name without the trailing dot. Operators publish the set as
//
//	_validators._tcp.gate.example.com. 300 IN SRV 10 0 9443 node-1.gate.example.com.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultServer is the local stub resolver.
const DefaultServer = "127.0.0.53:53"

// ErrNoValidators is returned when the SRV lookup yields no records.
var ErrNoValidators = errors.New("no validators published")

// Validator is one SRV record of the validator service.
type Validator struct {
	NodeID   string `json:"node_id"`
	Port     uint16 `json:"port"`
	Priority uint16 `json:"priority"`
	Weight   uint16 `json:"weight"`
}

// Resolver looks up validator SRV records.
type Resolver struct {
	server string
	client *dns.Client
	log    *slog.Logger
}

// NewResolver creates a resolver querying server (host:port). An empty
// server uses DefaultServer.
func NewResolver(server string, timeout time.Duration, log *slog.Logger) *Resolver {
	if server == "" {
		server = DefaultServer
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		log:    log,
	}
}

// Validators returns the SRV records published under name, ordered by
// priority, then node id.
func (r *Resolver) Validators(ctx context.Context, name string) ([]Validator, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("srv lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	seen := make(map[string]struct{}, len(in.Answer))
	validators := make([]Validator, 0, len(in.Answer))
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		id := strings.TrimSuffix(srv.Target, ".")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			r.log.Warn("duplicate validator record ignored", "name", name, "nodeID", id)
			continue
		}
		seen[id] = struct{}{}
		validators = append(validators, Validator{
			NodeID:   id,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	if len(validators) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoValidators, name)
	}

	sort.Slice(validators, func(i, j int) bool {
		if validators[i].Priority != validators[j].Priority {
			return validators[i].Priority < validators[j].Priority
		}
		return validators[i].NodeID < validators[j].NodeID
	})
	r.log.Debug("validators resolved", "name", name, "count", len(validators))
	return validators, nil
}

// NodeIDs returns just the validator node ids under name.
func (r *Resolver) NodeIDs(ctx context.Context, name string) ([]string, error) {
	validators, err := r.Validators(ctx, name)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(validators))
	for i, v := range validators {
		ids[i] = v.NodeID
	}
	return ids, nil
}
