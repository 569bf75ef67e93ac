package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dreamware/shardflow/internal/cluster"
	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/dreamware/shardflow/internal/domain"
	"github.com/dreamware/shardflow/internal/egress"
	"github.com/dreamware/shardflow/internal/topology"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{name: "environment variable set", key: "TEST_ENV_VAR", value: "test_value", def: "default", expected: "test_value"},
		{name: "environment variable not set", key: "UNSET_ENV_VAR", def: "default_value", expected: "default_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

// TestMustGetenv tests the mustGetenv utility function
func TestMustGetenv(t *testing.T) {
	t.Run("variable set", func(t *testing.T) {
		t.Setenv("MUST_HAVE_VAR", "required_value")
		assert.Equal(t, "required_value", mustGetenv("MUST_HAVE_VAR"))
	})

	t.Run("variable not set", func(t *testing.T) {
		oldLogFatal := logFatal
		defer func() { logFatal = oldLogFatal }()

		fatalCalled := false
		logFatal = func(format string, v ...any) {
			fatalCalled = true
		}

		_ = mustGetenv("UNSET_REQUIRED_VAR")
		assert.True(t, fatalCalled, "Expected logFatal to be called")
	})
}

// TestGetDuration tests duration parsing with fallbacks
func TestGetDuration(t *testing.T) {
	t.Setenv("DUR_OK", "250ms")
	t.Setenv("DUR_BAD", "soon")
	t.Setenv("DUR_NEG", "-1s")

	assert.Equal(t, 250*time.Millisecond, getDuration("DUR_OK", time.Second))
	assert.Equal(t, time.Second, getDuration("DUR_BAD", time.Second))
	assert.Equal(t, time.Second, getDuration("DUR_NEG", time.Second))
	assert.Equal(t, time.Second, getDuration("DUR_UNSET", time.Second))
}

// captureTransport collects flushed batches per replica.
type captureTransport struct {
	batches chan cluster.DeliverRequest
}

func (c *captureTransport) Send(_ context.Context, to dataflow.ReplicaAddr, packets []*dataflow.Packet) error {
	c.batches <- cluster.DeliverRequest{To: to, Packets: packets}
	return nil
}

const testTopology = `
replica: d0.1
peers:
  - {replica: d1.0, addr: http://unused}
  - {replica: d2.0, addr: http://unused}
egresses:
  - local: 5
    targets:
      - {node: 10, local: 1, dest: d1.0}
      - {node: 20, local: 2, dest: d2.0}
  - local: 6
    tags: {3: 20}
    targets:
      - {node: 20, local: 7, dest: d2.0}
  - local: 7
    targets: []
`

// newTestServer starts a domain wired from testTopology behind the node's
// routes.
func newTestServer(t *testing.T) (*httptest.Server, *captureTransport) {
	t.Helper()
	topo, err := topology.Parse([]byte(testTopology))
	require.NoError(t, err)

	tr := &captureTransport{batches: make(chan cluster.DeliverRequest, 16)}
	d := domain.New(domain.Config{Replica: topo.Replica}, tr, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	require.NoError(t, topo.Apply(ctx, d))

	mux := http.NewServeMux()
	NewNode(d, zerolog.Nop()).Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, tr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func receive(t *testing.T, tr *captureTransport) cluster.DeliverRequest {
	t.Helper()
	select {
	case b := <-tr.batches:
		return b
	case <-time.After(time.Second):
		t.Fatal("no batch flushed")
		return cluster.DeliverRequest{}
	}
}

// TestHandleHealth tests the health endpoint
func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// TestHandleDispatch tests fan-out through the HTTP surface
func TestHandleDispatch(t *testing.T) {
	server, tr := newTestServer(t)

	resp := postJSON(t, server.URL+"/dispatch", DispatchRequest{
		Egress: 5,
		Packet: dataflow.NewMessage(dataflow.Record{Row: []string{"1", "alice"}}),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Sent   int  `json:"sent"`
		Copies int  `json:"copies"`
		Took   bool `json:"took"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Copies)
	assert.True(t, result.Took)

	got := map[dataflow.ReplicaAddr]dataflow.Link{}
	for i := 0; i < 2; i++ {
		b := receive(t, tr)
		require.Len(t, b.Packets, 1)
		got[b.To] = b.Packets[0].Link
	}
	assert.Equal(t, map[dataflow.ReplicaAddr]dataflow.Link{
		{Domain: 1}: {Src: 1, Dst: 1},
		{Domain: 2}: {Src: 1, Dst: 2},
	}, got)
}

// TestHandleDispatchReachability tests the to_nodes filter
func TestHandleDispatchReachability(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/dispatch", DispatchRequest{
		Egress:  5,
		ToNodes: []dataflow.NodeIndex{10},
		Packet:  dataflow.NewMessage(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, float64(1), result["sent"])
	assert.Equal(t, false, result["took"])
}

// TestHandleDispatchErrors tests request validation
func TestHandleDispatchErrors(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing packet", body: map[string]any{"egress": 5}, status: http.StatusBadRequest},
		{name: "unknown kind", body: map[string]any{"egress": 5, "packet": map[string]any{"kind": "bogus"}}, status: http.StatusBadRequest},
		{name: "unknown egress", body: DispatchRequest{Egress: 99, Packet: dataflow.NewMessage()}, status: http.StatusNotFound},
		{name: "egress without targets", body: DispatchRequest{Egress: 7, Packet: dataflow.NewMessage()}, status: http.StatusConflict},
		{name: "invalid JSON", body: "not an object", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/dispatch", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	// rejected requests leave the domain serving
	resp := postJSON(t, server.URL+"/dispatch", DispatchRequest{Egress: 5, Packet: dataflow.NewMessage()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestHandleDispatchUnboundTag tests that a routing error stops the domain
func TestHandleDispatchUnboundTag(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/dispatch", DispatchRequest{Egress: 6, Packet: dataflow.NewReplayPiece(9)})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err := http.Get(server.URL + "/egress")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestHandleEgressQueries tests the registry read endpoints
func TestHandleEgressQueries(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/egress")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Egresses []dataflow.LocalNodeIndex `json:"egresses"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []dataflow.LocalNodeIndex{5, 6, 7}, list.Egresses)

	resp, err = http.Get(server.URL + "/egress/5/targets")
	require.NoError(t, err)
	defer resp.Body.Close()
	var targets struct {
		Nodes []dataflow.NodeIndex `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&targets))
	assert.Equal(t, []dataflow.NodeIndex{10, 20}, targets.Nodes)

	resp, err = http.Get(server.URL + "/egress/6")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state egress.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, map[dataflow.Tag]dataflow.NodeIndex{3: 20}, state.Tags)

	for path, status := range map[string]int{
		"/egress/abc":        http.StatusBadRequest,
		"/egress/42/targets": http.StatusNotFound,
		"/egress/42":         http.StatusNotFound,
	} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, path)
	}
}

// TestHandleReplace tests the single-path repair endpoint
func TestHandleReplace(t *testing.T) {
	server, tr := newTestServer(t)
	newTarget := egress.Target{Node: 40, Local: 8, Dest: dataflow.ReplicaAddr{Domain: 1}}

	// egress 5 has no replay path, so the repair is refused
	resp := postJSON(t, server.URL+"/egress/5/replace", newTarget)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, server.URL+"/egress/6/replace", newTarget)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, server.URL+"/dispatch", DispatchRequest{Egress: 6, Packet: dataflow.NewReplayPiece(3)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b := receive(t, tr)
	assert.Equal(t, newTarget.Dest, b.To)
	require.Len(t, b.Packets, 1)
	assert.Equal(t, dataflow.LocalNodeIndex(8), b.Packets[0].Link.Dst)
}

// TestHandleIngress tests batches posted by the HTTP transport of a peer
func TestHandleIngress(t *testing.T) {
	server, _ := newTestServer(t)
	from := dataflow.ReplicaAddr{Domain: 7}

	tr := cluster.NewHTTPTransport(from, []cluster.PeerInfo{{Replica: dataflow.ReplicaAddr{Domain: 0, Shard: 1}, Addr: server.URL}})
	err := tr.Send(context.Background(), dataflow.ReplicaAddr{Domain: 0, Shard: 1}, []*dataflow.Packet{dataflow.NewMessage()})
	assert.NoError(t, err)
	assert.NoError(t, tr.Health(context.Background(), dataflow.ReplicaAddr{Domain: 0, Shard: 1}))

	resp, err := http.Post(server.URL+"/ingress", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestMain keeps test output quiet.
func TestMain(m *testing.M) {
	logger = zerolog.Nop()
	os.Exit(m.Run())
}
