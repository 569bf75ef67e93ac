package dataflow

import (
	"cmp"

	"golang.org/x/exp/slices"
)

// Output buffers outgoing packets per destination replica until the flush
// stage hands them to the transport.
type Output struct {
	queues map[ReplicaAddr][]*Packet
}

// NewOutput returns an empty multiplexer.
func NewOutput() *Output {
	return &Output{queues: make(map[ReplicaAddr][]*Packet)}
}

// Enqueue appends p to the back of addr's queue.
func (o *Output) Enqueue(addr ReplicaAddr, p *Packet) {
	o.queues[addr] = append(o.queues[addr], p)
}

// Queue returns the pending packets for addr in arrival order. The returned
// slice aliases the queue and must not be modified.
func (o *Output) Queue(addr ReplicaAddr) []*Packet {
	return o.queues[addr]
}

// Len returns the number of packets pending for addr.
func (o *Output) Len(addr ReplicaAddr) int {
	return len(o.queues[addr])
}

// Destinations lists replicas with pending packets, ordered by domain then
// shard.
func (o *Output) Destinations() []ReplicaAddr {
	out := make([]ReplicaAddr, 0, len(o.queues))
	for addr, q := range o.queues {
		if len(q) > 0 {
			out = append(out, addr)
		}
	}
	slices.SortFunc(out, func(a, b ReplicaAddr) int {
		if c := cmp.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		return cmp.Compare(a.Shard, b.Shard)
	})
	return out
}

// Drain removes and returns addr's whole queue.
func (o *Output) Drain(addr ReplicaAddr) []*Packet {
	q := o.queues[addr]
	delete(o.queues, addr)
	return q
}

// Requeue puts packets back at the head of addr's queue, ahead of anything
// enqueued since they were drained.
func (o *Output) Requeue(addr ReplicaAddr, packets []*Packet) {
	if len(packets) == 0 {
		return
	}
	o.queues[addr] = append(packets[:len(packets):len(packets)], o.queues[addr]...)
}
