package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Send(t *testing.T) {
	var gotBody []byte
	var gotSwarm, gotTarget string
	ctl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSwarm = r.Header.Get(SwarmIDHeader)
		gotTarget = r.Header.Get(TargetIDHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ctl.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "jammed", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	tr, err := NewHTTPTransport(map[uint32]string{3: ctl.URL, 4: failing.URL}, 0, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Send(context.Background(), 3, 17, []byte("sealed")))
	assert.Equal(t, []byte("sealed"), gotBody)
	assert.Equal(t, "3", gotSwarm)
	assert.Equal(t, "17", gotTarget)

	err = tr.Send(context.Background(), 4, 1, []byte("sealed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	err = tr.Send(context.Background(), 9, 1, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	assert.Error(t, tr.SetEndpoint(5, "ftp://nope"))
	_, err = NewHTTPTransport(map[uint32]string{1: "not a url"}, 0, nil)
	assert.Error(t, err)
}

func TestLoadEndpoints(t *testing.T) {
	endpoints, err := LoadEndpoints(strings.NewReader(`{"swarms":[{"id":3,"endpoint":"http://ctl-3:9000/envelopes"}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{3: "http://ctl-3:9000/envelopes"}, endpoints)

	_, err = LoadEndpoints(strings.NewReader(`{"swarms":[{"id":3},{"id":3}]}`))
	assert.Error(t, err)
	_, err = LoadEndpoints(strings.NewReader(`[`))
	assert.Error(t, err)
}

func TestLogTransport(t *testing.T) {
	assert.NoError(t, NewLogTransport(nil).Send(context.Background(), 1, 2, []byte("x")))
}
