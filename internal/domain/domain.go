package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dreamware/shardflow/internal/dataflow"
	"github.com/dreamware/shardflow/internal/egress"
	"github.com/dreamware/shardflow/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var (
	// ErrStopped is returned by every call made after Run has returned.
	// When the domain was aborted by a dispatch failure the returned error
	// wraps that failure as well.
	ErrStopped = errors.New("domain: stopped")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("domain: already running")

	// ErrUnknownEgress is returned when no egress exists at the given local
	// index. It never stops the domain.
	ErrUnknownEgress = errors.New("domain: unknown egress")

	// ErrEgressExists is returned when creating or cloning into a local
	// index that is already taken.
	ErrEgressExists = errors.New("domain: egress already exists")

	// ErrNoTargets is returned by Dispatch when the egress has not been
	// given any target yet. The packet is rejected before it reaches the
	// egress and the domain keeps running.
	ErrNoTargets = errors.New("domain: egress has no targets")
)

// Transport hands a drained queue to the replica it is addressed to.
//
// Send is called from the Run goroutine with a context bounded by
// Config.FlushTimeout. A non-nil error puts the whole batch back at the head
// of the queue; implementations must not deliver part of a batch and then
// fail, or the retry will duplicate packets.
type Transport interface {
	Send(ctx context.Context, to dataflow.ReplicaAddr, packets []*dataflow.Packet) error
}

// Config holds the static settings of a domain.
type Config struct {
	// Replica is the address of this domain instance. Its shard index is
	// stamped into the link header of every packet leaving an egress.
	Replica dataflow.ReplicaAddr

	// FlushInterval is how often queues held back by transport errors are
	// retried. Defaults to 100ms.
	FlushInterval time.Duration

	// FlushTimeout bounds a single Transport.Send. Defaults to 5s.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

type op struct {
	fn    func() error
	fatal bool
	flush bool
	reply chan error
}

// Domain executes dispatch and control operations for the egress nodes of
// one replica.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Domain                   │
//	├──────────────────────────────────────────┤
//	│  egresses: map[local]→*egress.Egress     │
//	│  out:      replica → FIFO packet queue   │
//	│  ops:      unbuffered operation channel  │
//	├──────────────────────────────────────────┤
//	│  Dispatch → Process → Output → Transport │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - Every exported method may be called from any goroutine
//   - Each call becomes one op executed by the Run goroutine
//   - Egress state and the Output are only touched inside ops
//   - Transport.Send runs on the Run goroutine, so a slow peer delays
//     every other operation by up to FlushTimeout
//
// Lifecycle:
//   - New builds an idle domain; calls block until Run is started
//   - Run executes ops until its context ends or a dispatch fails
//   - After Run returns, every call fails with ErrStopped
type Domain struct {
	cfg       Config
	transport Transport
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// owned by the Run goroutine
	egresses map[dataflow.LocalNodeIndex]*egress.Egress
	out      *dataflow.Output

	// ops carries work to the Run goroutine; done is closed when Run exits.
	ops  chan op
	done chan struct{}

	running atomic.Bool

	// err is the reason Run stopped. Written before done is closed and
	// only read after it.
	err error
}

// New returns a domain with no egress nodes. m may be nil.
func New(cfg Config, transport Transport, logger zerolog.Logger, m *metrics.Metrics) *Domain {
	cfg = cfg.withDefaults()
	return &Domain{
		cfg:       cfg,
		transport: transport,
		log:       logger.With().Str("component", "domain").Stringer("replica", cfg.Replica).Logger(),
		metrics:   m,
		egresses:  make(map[dataflow.LocalNodeIndex]*egress.Egress),
		out:       dataflow.NewOutput(),
		ops:       make(chan op),
		done:      make(chan struct{}),
	}
}

// Run executes submitted operations until ctx is cancelled or a dispatch
// fails. It must be called exactly once.
//
// Cancellation flushes the queues one last time, with a context that is no
// longer cancelled, and returns nil. A failed dispatch is counted, logged at
// error level and returned as is; no final flush is attempted.
func (d *Domain) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	d.log.Info().Msg("domain started")
	for {
		select {
		case <-ctx.Done():
			d.flush(context.WithoutCancel(ctx))
			d.err = ErrStopped
			d.log.Info().Msg("domain stopped")
			return nil

		case <-ticker.C:
			d.flush(ctx)

		case o := <-d.ops:
			err := o.fn()
			o.reply <- err
			if err != nil && o.fatal {
				d.metrics.RecordFatal()
				d.log.Error().Err(err).Msg("aborting domain")
				d.err = fmt.Errorf("%w: %w", ErrStopped, err)
				return err
			}
			if o.flush {
				d.flush(ctx)
			}
		}
	}
}

func (d *Domain) submit(ctx context.Context, o op) error {
	o.reply = make(chan error, 1)
	select {
	case d.ops <- o:
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.reply:
		return err
	case <-d.done:
		select {
		case err := <-o.reply:
			return err
		default:
			return d.err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// control runs fn on the domain goroutine against the egress at local.
func (d *Domain) control(ctx context.Context, local dataflow.LocalNodeIndex, fn func(*egress.Egress) error) error {
	return d.submit(ctx, op{fn: func() error {
		e, ok := d.egresses[local]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownEgress, local)
		}
		return fn(e)
	}})
}

// AddEgress creates an empty egress node at local.
func (d *Domain) AddEgress(ctx context.Context, local dataflow.LocalNodeIndex) error {
	return d.submit(ctx, op{fn: func() error {
		if _, ok := d.egresses[local]; ok {
			return fmt.Errorf("%w: %d", ErrEgressExists, local)
		}
		d.egresses[local] = egress.New()
		return nil
	}})
}

// CloneEgress creates the egress at dst as a copy of the one at src. The
// source must not have targets yet.
func (d *Domain) CloneEgress(ctx context.Context, src, dst dataflow.LocalNodeIndex) error {
	return d.submit(ctx, op{fn: func() error {
		e, ok := d.egresses[src]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownEgress, src)
		}
		if _, ok := d.egresses[dst]; ok {
			return fmt.Errorf("%w: %d", ErrEgressExists, dst)
		}
		c, err := e.Clone()
		if err != nil {
			return err
		}
		d.egresses[dst] = c
		return nil
	}})
}

// AddTx appends a target to the egress at local.
func (d *Domain) AddTx(ctx context.Context, local dataflow.LocalNodeIndex, t egress.Target) error {
	return d.control(ctx, local, func(e *egress.Egress) error {
		e.AddTx(t.Node, t.Local, t.Dest)
		return nil
	})
}

// AddTag binds a replay path on the egress at local.
func (d *Domain) AddTag(ctx context.Context, local dataflow.LocalNodeIndex, tag dataflow.Tag, node dataflow.NodeIndex) error {
	return d.control(ctx, local, func(e *egress.Egress) error {
		e.AddTag(tag, node)
		return nil
	})
}

// ReplaceTx swaps the targets of the egress at local for t.
// See egress.Egress.ReplaceTx for the preconditions.
func (d *Domain) ReplaceTx(ctx context.Context, local dataflow.LocalNodeIndex, t egress.Target) error {
	return d.control(ctx, local, func(e *egress.Egress) error {
		if err := e.ReplaceTx(t.Node, t.Local, t.Dest); err != nil {
			return err
		}
		d.log.Warn().
			Uint32("egress", uint32(local)).
			Uint32("node", uint32(t.Node)).
			Stringer("dest", t.Dest).
			Msg("replaced egress target")
		return nil
	})
}

// TxNodes returns the downstream node indices of the egress at local.
func (d *Domain) TxNodes(ctx context.Context, local dataflow.LocalNodeIndex) (dataflow.NodeSet, error) {
	var nodes dataflow.NodeSet
	err := d.control(ctx, local, func(e *egress.Egress) error {
		nodes = e.TxNodes()
		return nil
	})
	return nodes, err
}

// State returns the serializable state of the egress at local.
func (d *Domain) State(ctx context.Context, local dataflow.LocalNodeIndex) (egress.State, error) {
	var s egress.State
	err := d.control(ctx, local, func(e *egress.Egress) error {
		s = e.State()
		return nil
	})
	return s, err
}

// Egresses lists the local indices of all egress nodes in ascending order.
func (d *Domain) Egresses(ctx context.Context) ([]dataflow.LocalNodeIndex, error) {
	var out []dataflow.LocalNodeIndex
	err := d.submit(ctx, op{fn: func() error {
		out = make([]dataflow.LocalNodeIndex, 0, len(d.egresses))
		for local := range d.egresses {
			out = append(out, local)
		}
		slices.Sort(out)
		return nil
	}})
	return out, err
}

// Dispatch routes p through the egress at local. toNodes names the targets
// currently reachable; nil means all of them.
//
// Ownership of p passes to the domain. It is either queued for the last
// configured target, or dropped when that target is unreachable (reported
// by Delivery.Took == false with Sent > 0).
//
// Errors:
//   - ErrUnknownEgress, ErrNoTargets: the request is rejected, the domain
//     keeps running
//   - egress.ErrUnboundTag, dataflow.ErrInvalidDuplication: replay
//     bookkeeping is broken; the domain stops and later calls fail with
//     ErrStopped
func (d *Domain) Dispatch(ctx context.Context, local dataflow.LocalNodeIndex, p *dataflow.Packet, toNodes dataflow.NodeSet) (egress.Delivery, error) {
	if p == nil {
		return egress.Delivery{}, errors.New("domain: nil packet")
	}

	var (
		delivery egress.Delivery
		rejected error
	)
	o := op{flush: true, fatal: true}
	o.fn = func() error {
		e, ok := d.egresses[local]
		if !ok {
			rejected = ErrUnknownEgress
			return nil
		}
		targets := e.Targets()
		if len(targets) == 0 {
			rejected = ErrNoTargets
			return nil
		}

		queued := make(map[dataflow.ReplicaAddr]int, len(targets))
		for _, t := range targets {
			queued[t.Dest] = d.out.Len(t.Dest)
		}

		reachable := toNodes
		if reachable == nil {
			reachable = e.TxNodes()
		}

		kind := string(p.Kind)
		m := p
		var err error
		delivery, err = e.Process(&m, d.cfg.Replica.Shard, d.out, reachable)
		if err != nil {
			return fmt.Errorf("egress %d: %w", local, err)
		}

		dropped := !delivery.Took && delivery.Sent > 0
		d.metrics.RecordDispatch(strconv.FormatUint(uint64(local), 10), kind, delivery.Cloned, dropped)
		for addr, before := range queued {
			d.metrics.RecordEnqueued(addr.String(), d.out.Len(addr)-before)
		}
		switch {
		case dropped:
			d.log.Debug().
				Uint32("egress", uint32(local)).
				Int("copies", delivery.Cloned).
				Msg("last configured target unreachable, dropping original")
		case delivery.Sent == 0:
			d.log.Debug().
				Uint32("egress", uint32(local)).
				Str("kind", kind).
				Msg("no reachable target for packet")
		}
		return nil
	}

	if err := d.submit(ctx, o); err != nil {
		return egress.Delivery{}, err
	}
	if rejected != nil {
		return egress.Delivery{}, fmt.Errorf("%w: %d", rejected, local)
	}
	return delivery, nil
}

// Pending returns the number of packets waiting for replica.
func (d *Domain) Pending(ctx context.Context, replica dataflow.ReplicaAddr) (int, error) {
	var n int
	err := d.submit(ctx, op{fn: func() error {
		n = d.out.Len(replica)
		return nil
	}})
	return n, err
}

// flush hands every non-empty queue to the transport.
func (d *Domain) flush(ctx context.Context) {
	for _, addr := range d.out.Destinations() {
		packets := d.out.Drain(addr)
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.FlushTimeout)
		err := d.transport.Send(sendCtx, addr, packets)
		cancel()
		if err != nil {
			d.out.Requeue(addr, packets)
			d.metrics.RecordFlushFailure(addr.String())
			d.log.Warn().Err(err).Stringer("dest", addr).Int("packets", len(packets)).Msg("flush failed, will retry")
			continue
		}
		d.log.Trace().Stringer("dest", addr).Int("packets", len(packets)).Msg("flushed")
	}
}
