package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			answers, found := records[req.Question[0].Name]
			if !found {
				resp.Rcode = dns.RcodeNameError
			}
			resp.Answer = answers
			_ = w.WriteMsg(resp)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func srv(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestResolver_Validators(t *testing.T) {
	name := "_validators._tcp.gate.test."
	addr := startServer(t, map[string][]dns.RR{
		name: {
			srv(t, name+" 60 IN SRV 20 0 9443 node-3.gate.test."),
			srv(t, name+" 60 IN SRV 10 5 9443 node-2.gate.test."),
			srv(t, name+" 60 IN SRV 10 5 9443 node-1.gate.test."),
			srv(t, name+" 60 IN SRV 10 5 9443 node-1.gate.test."),
		},
		"_empty._tcp.gate.test.": {
			srv(t, "_empty._tcp.gate.test. 60 IN TXT \"nothing here\""),
		},
	})
	r := NewResolver(addr, time.Second, nil)
	ctx := context.Background()

	validators, err := r.Validators(ctx, "_validators._tcp.gate.test")
	require.NoError(t, err)
	assert.Equal(t, []Validator{
		{NodeID: "node-1.gate.test", Port: 9443, Priority: 10, Weight: 5},
		{NodeID: "node-2.gate.test", Port: 9443, Priority: 10, Weight: 5},
		{NodeID: "node-3.gate.test", Port: 9443, Priority: 20},
	}, validators)

	ids, err := r.NodeIDs(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1.gate.test", "node-2.gate.test", "node-3.gate.test"}, ids)

	_, err = r.Validators(ctx, "_empty._tcp.gate.test.")
	assert.ErrorIs(t, err, ErrNoValidators)

	_, err = r.Validators(ctx, "_missing._tcp.gate.test.")
	assert.ErrorContains(t, err, "NXDOMAIN")
}

func TestResolver_Unreachable(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	r := NewResolver(addr, 200*time.Millisecond, nil)
	_, err = r.Validators(context.Background(), "_validators._tcp.gate.test.")
	assert.Error(t, err)
}
