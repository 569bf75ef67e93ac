package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shardflow/internal/dataflow"
)

// ErrUnknownReplica is returned when no peer URL is known for a replica.
var ErrUnknownReplica = errors.New("cluster: unknown replica")

// PeerInfo maps a replica to the process serving it.
type PeerInfo struct {
	Replica dataflow.ReplicaAddr `json:"replica" yaml:"replica"`
	Addr    string               `json:"addr" yaml:"addr"`
}

// DeliverRequest is one ordered batch of packets for a single replica.
type DeliverRequest struct {
	From    dataflow.ReplicaAddr `json:"from"`
	To      dataflow.ReplicaAddr `json:"to"`
	Packets []*dataflow.Packet   `json:"packets"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPTransport sends packet batches to peer replicas over HTTP.
type HTTPTransport struct {
	peers map[dataflow.ReplicaAddr]string
	from  dataflow.ReplicaAddr
	mu    sync.RWMutex
}

// NewHTTPTransport returns a transport sending on behalf of replica from.
func NewHTTPTransport(from dataflow.ReplicaAddr, peers []PeerInfo) *HTTPTransport {
	t := &HTTPTransport{
		from:  from,
		peers: make(map[dataflow.ReplicaAddr]string, len(peers)),
	}
	for _, p := range peers {
		t.SetPeer(p.Replica, p.Addr)
	}
	return t
}

// SetPeer records or replaces the base URL serving replica.
func (t *HTTPTransport) SetPeer(replica dataflow.ReplicaAddr, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[replica] = strings.TrimRight(addr, "/")
}

// Peer returns the base URL serving replica.
func (t *HTTPTransport) Peer(replica dataflow.ReplicaAddr) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.peers[replica]
	return addr, ok
}

// Send posts packets to replica's /ingress endpoint as one batch.
func (t *HTTPTransport) Send(ctx context.Context, to dataflow.ReplicaAddr, packets []*dataflow.Packet) error {
	addr, ok := t.Peer(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, to)
	}
	body := DeliverRequest{From: t.from, To: to, Packets: packets}
	return PostJSON(ctx, addr+"/ingress", body, nil)
}

// Health asks the process serving replica whether it is up.
func (t *HTTPTransport) Health(ctx context.Context, replica dataflow.ReplicaAddr) error {
	addr, ok := t.Peer(replica)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, replica)
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := GetJSON(ctx, addr+"/health", &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("replica %s reports status %q", replica, status.Status)
	}
	return nil
}
