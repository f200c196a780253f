package dispatch

import (
	"context"
	"errors"
	"sort"

	"topologyd/internal/domain"
	"topologyd/internal/storage"

	"go.uber.org/zap"
)

// ReplayStats counts replayed entries by outcome.
type ReplayStats struct {
	Handled     int
	UnknownType int
	Rejected    int
	LastLSN     uint64
}

func (s ReplayStats) Total() int { return s.Handled + s.UnknownType + s.Rejected }

// Replay re-applies entries in LSN order without journaling them again.
// Cancellation is checked between entries; an entry that started applying
// always completes.
func (d *Dispatcher) Replay(ctx context.Context, entries []storage.JournalEntry) (ReplayStats, error) {
	ordered := append([]storage.JournalEntry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LSN < ordered[j].LSN })

	var stats ReplayStats
	for _, e := range ordered {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res := d.apply(context.WithoutCancel(ctx), e.EventType, e.Payload)
		switch res.Outcome {
		case domain.OutcomeHandled:
			stats.Handled++
		case domain.OutcomeUnknownType:
			stats.UnknownType++
		default:
			stats.Rejected++
		}
		if !res.Handled() {
			d.log.Warn("replayed entry not applied",
				zap.Uint64("lsn", e.LSN),
				zap.String("event_id", e.EventID),
				zap.String("outcome", res.Outcome.String()),
				zap.Error(res.Err))
		}
		d.metrics.ReplayedEntry()
		if e.LSN > stats.LastLSN {
			stats.LastLSN = e.LSN
		}
	}

	if v := d.guard.Version(); stats.LastLSN > v {
		d.lsnOffset.Store(stats.LastLSN - v)
	}
	return stats, nil
}

// ReplayJournal rebuilds the topology from the configured journal.
func (d *Dispatcher) ReplayJournal(ctx context.Context) (ReplayStats, error) {
	if d.journal == nil {
		return ReplayStats{}, errors.New("dispatcher has no journal")
	}
	entries, err := d.journal.Entries(ctx, 0)
	if err != nil {
		return ReplayStats{}, err
	}
	return d.Replay(ctx, entries)
}
