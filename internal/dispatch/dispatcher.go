// Package dispatch is the entry point transports call with a delivered
// (type, payload) pair. It decodes the payload, runs the processor chain
// under the consistency guard and answers with a tri-state Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"topologyd/internal/domain"
	"topologyd/internal/event"
	"topologyd/internal/logging"
	"topologyd/internal/metrics"
	"topologyd/internal/processor"
	"topologyd/internal/storage"
	"topologyd/internal/topology"

	"go.uber.org/zap"
)

// Result is what a transport gets back for one message.
type Result struct {
	Outcome domain.Outcome
	Kind    string
	// Version is the topology version after the event applied. Zero unless
	// Outcome is OutcomeHandled.
	Version uint64
	Err     error
}

func (r Result) Handled() bool { return r.Outcome == domain.OutcomeHandled }

// Reason is the human readable cause of an unknown-type or rejected result.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Option func(*Dispatcher)

// WithJournal appends every handled event to j.
func WithJournal(j storage.Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	guard   *topology.Guard
	chain   *processor.Chain
	journal storage.Journal
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// lsnOffset lifts new journal LSNs above entries that replay could not
	// re-apply.
	lsnOffset atomic.Uint64
}

// New builds a dispatcher. A nil guard starts from an empty topology and a
// nil chain uses processor.Default.
func New(guard *topology.Guard, chain *processor.Chain, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		guard: guard,
		chain: chain,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.guard == nil {
		d.guard = topology.NewGuard(nil)
	}
	if d.chain == nil {
		d.chain = processor.Default(d.log)
	}
	return d
}

// Dispatch handles a bare (type, payload) pair.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, payload []byte) Result {
	return d.Handle(ctx, domain.EventEnvelope{EventType: kind, Payload: payload})
}

// Handle applies env and journals it when it is handled. A journal failure
// is logged but does not change the outcome: the topology already moved.
func (d *Dispatcher) Handle(ctx context.Context, env domain.EventEnvelope) Result {
	res := d.apply(ctx, env.EventType, env.Payload)
	if !res.Handled() || d.journal == nil {
		return res
	}

	received := env.ReceivedAtUTC
	if received.IsZero() {
		received = d.now().UTC()
	}
	entry := storage.JournalEntry{
		LSN:             res.Version + d.lsnOffset.Load(),
		EventID:         env.EventID,
		EventType:       res.Kind,
		EventTimeUTCNs:  env.EventTimeUTCNs,
		ReceivedAtUTCNs: received.UnixNano(),
		Payload:         env.Payload,
		Source:          env.Source,
		SourceRef:       env.SourceRef,
	}
	if err := d.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		d.metrics.JournalFailed()
		d.log.Error("journal append failed",
			zap.String("kind", res.Kind),
			zap.Uint64("lsn", entry.LSN),
			zap.String("event_id", env.EventID),
			zap.Error(err))
	}
	return res
}

func (d *Dispatcher) apply(ctx context.Context, name string, payload []byte) Result {
	started := time.Now()
	res := d.route(ctx, name, payload)
	label := res.Kind
	if _, ok := event.Lookup(label); !ok {
		label = "unknown"
	}
	d.metrics.ObserveDispatch(label, res.Outcome.String(), started)

	switch res.Outcome {
	case domain.OutcomeHandled:
		d.metrics.SetVersion(res.Version)
		d.log.Debug("event handled", zap.String("kind", res.Kind), zap.Uint64("version", res.Version))
	case domain.OutcomeUnknownType:
		d.log.Warn("event not routable", zap.String("kind", res.Kind), zap.Error(res.Err))
	default:
		d.log.Warn("event rejected", zap.String("kind", res.Kind), zap.Error(res.Err))
	}
	return res
}

func (d *Dispatcher) route(ctx context.Context, name string, payload []byte) Result {
	kind, known := event.Lookup(name)
	res := Result{Kind: string(kind)}
	if err := ctx.Err(); err != nil {
		res.Outcome, res.Err = domain.OutcomeRejected, err
		return res
	}
	if !known {
		res.Outcome, res.Err = domain.OutcomeUnknownType, fmt.Errorf("%w: %q", event.ErrUnknownEventType, name)
		return res
	}
	if !d.chain.Claims(kind) {
		res.Outcome, res.Err = domain.OutcomeUnknownType, fmt.Errorf("%w: %s", processor.ErrNoProcessor, kind)
		return res
	}

	ev, err := event.Decode(kind, payload)
	if err != nil {
		res.Outcome, res.Err = domain.OutcomeRejected, err
		return res
	}

	process := func(t *topology.Topology) error { return d.chain.Process(ev, t) }
	var version uint64
	if processor.Structural(kind) {
		version, err = d.guard.UpdateAll(process)
	} else {
		version, err = d.guard.Update(ev.Service(), process)
	}
	switch {
	case err == nil:
		res.Outcome, res.Version = domain.OutcomeHandled, version
	case errors.Is(err, processor.ErrNoProcessor):
		res.Outcome, res.Err = domain.OutcomeUnknownType, err
	default:
		res.Outcome, res.Err = domain.OutcomeRejected, err
	}
	return res
}

// Snapshot returns a private copy of the topology and its version.
func (d *Dispatcher) Snapshot() topology.Snapshot { return d.guard.Snapshot() }

func (d *Dispatcher) Version() uint64 { return d.guard.Version() }

// Health reports whether the dispatcher can accept events.
func (d *Dispatcher) Health(ctx context.Context) (bool, string) {
	if err := ctx.Err(); err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("ok version=%d", d.guard.Version())
}
