// Package main implements the shardflow node, which hosts the egress nodes of
// one replica and forwards their output to peer replicas.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health            - Health check    │
//	│    /dispatch          - Emit a packet   │
//	│    /ingress           - Peer batches    │
//	│    /egress/...        - Registry admin  │
//	│    /metrics           - Prometheus      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    domain.Domain      - Egress loop     │
//	│    cluster transport  - Peer delivery   │
//	│    topology           - Wiring          │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_TOPOLOGY: Path of the YAML topology file (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_FLUSH_INTERVAL: Retry period for held-back queues (default: "100ms")
//   - NODE_FLUSH_TIMEOUT: Timeout of one batch delivery (default: "5s")
//   - SHARDFLOW_LOG_LEVEL, SHARDFLOW_LOG_FORMAT: see internal/logging
//
// Example usage:
//
//	NODE_TOPOLOGY=./topology.yaml NODE_LISTEN=:8081 ./node
//
//	curl -X POST localhost:8081/dispatch \
//	  -d '{"egress":5,"packet":{"kind":"message","records":[{"row":["1","alice"]}]}}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/shardflow/internal/cluster"
	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/dreamware/shardflow/internal/domain"
	"github.com/dreamware/shardflow/internal/egress"
	"github.com/dreamware/shardflow/internal/logging"
	"github.com/dreamware/shardflow/internal/metrics"
	"github.com/dreamware/shardflow/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var logger = logging.New("node")

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = func(format string, v ...any) {
	logger.Fatal().Msgf(format, v...)
}

// Node ties the HTTP surface to the domain running this replica's egresses.
type Node struct {
	domain *domain.Domain
	log    zerolog.Logger
}

// NewNode returns a node serving d.
func NewNode(d *domain.Domain, log zerolog.Logger) *Node {
	return &Node{domain: d, log: log}
}

// Routes registers the node's endpoints on mux.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /dispatch", n.handleDispatch)
	mux.HandleFunc("POST /ingress", n.handleIngress)
	mux.HandleFunc("GET /egress", n.handleListEgress)
	mux.HandleFunc("GET /egress/{local}", n.handleEgressState)
	mux.HandleFunc("GET /egress/{local}/targets", n.handleEgressTargets)
	mux.HandleFunc("POST /egress/{local}/replace", n.handleReplace)
}

func main() {
	listen := getenv("NODE_LISTEN", ":8081")
	topoPath := mustGetenv("NODE_TOPOLOGY")
	flushInterval := getDuration("NODE_FLUSH_INTERVAL", 100*time.Millisecond)
	flushTimeout := getDuration("NODE_FLUSH_TIMEOUT", 5*time.Second)

	topo, err := topology.Load(topoPath)
	if err != nil {
		logFatal("load topology: %v", err)
		return
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	transport := cluster.NewHTTPTransport(topo.Replica, topo.Peers)

	d := domain.New(domain.Config{
		Replica:       topo.Replica,
		FlushInterval: flushInterval,
		FlushTimeout:  flushTimeout,
	}, transport, logger, m)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	domainErr := make(chan error, 1)
	go func() { domainErr <- d.Run(ctx) }()

	if err := topo.Apply(ctx, d); err != nil {
		logFatal("apply topology: %v", err)
		return
	}
	logger.Info().Stringer("replica", topo.Replica).Int("egresses", len(topo.Egresses)).Msg("topology applied")
	checkPeers(ctx, transport, topo.Peers)

	mux := http.NewServeMux()
	NewNode(d, logger).Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("listen", listen).Msg("node listening")
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	// a failed domain takes the node down with it
	select {
	case <-ctx.Done():
	case err := <-domainErr:
		if err != nil {
			logger.Error().Err(err).Msg("domain aborted")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("node stopped")
}

// checkPeers logs peers that do not answer their health check. Unreachable
// peers are not fatal; their queues are retried by the domain.
func checkPeers(ctx context.Context, t *cluster.HTTPTransport, peers []cluster.PeerInfo) {
	for _, p := range peers {
		if err := t.Health(ctx, p.Replica); err != nil {
			logger.Warn().Err(err).Stringer("replica", p.Replica).Msg("peer not healthy")
		}
	}
}

// DispatchRequest is the body of POST /dispatch.
type DispatchRequest struct {
	Egress  dataflow.LocalNodeIndex `json:"egress"`
	ToNodes []dataflow.NodeIndex    `json:"to_nodes,omitempty"`
	Packet  *dataflow.Packet        `json:"packet"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDispatch routes one packet through an egress. Omitting to_nodes
// treats every target as reachable.
func (n *Node) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Packet == nil {
		http.Error(w, "missing packet", http.StatusBadRequest)
		return
	}
	switch req.Packet.Kind {
	case dataflow.KindMessage, dataflow.KindReplayPiece, dataflow.KindEvict:
	default:
		http.Error(w, "unknown packet kind", http.StatusBadRequest)
		return
	}

	var toNodes dataflow.NodeSet
	if req.ToNodes != nil {
		toNodes = dataflow.NewNodeSet(req.ToNodes...)
	}

	delivery, err := n.domain.Dispatch(r.Context(), req.Egress, req.Packet, toNodes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Sent   int  `json:"sent"`
		Copies int  `json:"copies"`
		Took   bool `json:"took"`
	}{delivery.Sent, delivery.Cloned, delivery.Took})
}

// handleIngress accepts a batch from a peer replica. Ingress operators are
// not hosted by this binary; batches are acknowledged and logged.
func (n *Node) handleIngress(w http.ResponseWriter, r *http.Request) {
	var req cluster.DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	n.log.Debug().
		Stringer("from", req.From).
		Stringer("to", req.To).
		Int("packets", len(req.Packets)).
		Msg("received batch")
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleListEgress(w http.ResponseWriter, r *http.Request) {
	locals, err := n.domain.Egresses(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Egresses []dataflow.LocalNodeIndex `json:"egresses"`
	}{locals})
}

func (n *Node) handleEgressState(w http.ResponseWriter, r *http.Request) {
	local, ok := parseLocal(w, r)
	if !ok {
		return
	}
	state, err := n.domain.State(r.Context(), local)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleEgressTargets answers which graph nodes sit downstream of an egress.
func (n *Node) handleEgressTargets(w http.ResponseWriter, r *http.Request) {
	local, ok := parseLocal(w, r)
	if !ok {
		return
	}
	nodes, err := n.domain.TxNodes(r.Context(), local)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []dataflow.NodeIndex `json:"nodes"`
	}{nodes.Sorted()})
}

func (n *Node) handleReplace(w http.ResponseWriter, r *http.Request) {
	local, ok := parseLocal(w, r)
	if !ok {
		return
	}
	var target egress.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := topology.Repair(r.Context(), n.domain, local, target); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLocal(w http.ResponseWriter, r *http.Request) (dataflow.LocalNodeIndex, bool) {
	v, err := strconv.ParseUint(r.PathValue("local"), 10, 32)
	if err != nil {
		http.Error(w, "invalid egress index", http.StatusBadRequest)
		return 0, false
	}
	return dataflow.LocalNodeIndex(v), true
}

// writeDomainError maps domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownEgress):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrEgressExists), errors.Is(err, domain.ErrNoTargets), errors.Is(err, egress.ErrPrecondition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrStopped), errors.Is(err, egress.ErrUnboundTag), errors.Is(err, dataflow.ErrInvalidDuplication):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("write response")
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Warn().Str("env", k).Str("value", v).Msg("invalid duration, using default")
		return def
	}
	return d
}
