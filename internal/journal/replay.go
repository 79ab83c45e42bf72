package journal

import (
	"context"
	"fmt"

	"github.com/roach88/tasksync/internal/ir"
	"github.com/roach88/tasksync/internal/store"
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Applied int
	Skipped int
	Stale   int
	LastSeq int64
}

// Replay applies every authoritative entry, in seq order, to s.
// s should be empty; predictions are skipped so the result is confirmed state only.
func (j *Journal) Replay(ctx context.Context, s *store.Store) (ReplayResult, error) {
	entries, err := j.ReadAll(ctx)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}
	return ReplayEntries(entries, s)
}

// ReplayEntries is Replay over entries already read.
func ReplayEntries(entries []Entry, s *store.Store) (ReplayResult, error) {
	var res ReplayResult
	for _, e := range entries {
		res.LastSeq = e.Seq
		if !e.Authoritative() {
			res.Skipped++
			continue
		}
		if err := verifyDigest(e); err != nil {
			return res, err
		}
		switch e.Event {
		case EventRemove, EventChannelDelete:
			s.Remove(e.Kind, e.ID)
		case EventCollection:
			if err := s.SetCollection(e.Kind, e.Parent, e.IDs); err != nil {
				return res, fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
		default:
			if e.Entity == nil {
				return res, fmt.Errorf("replay entry %d: %s without entity", e.Seq, e.Event)
			}
			next := *e.Entity
			next.Pending = false
			if err := s.Put(next); err != nil {
				if store.IsStaleWrite(err) {
					res.Stale++
					continue
				}
				return res, fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
		}
		res.Applied++
	}
	return res, nil
}

func verifyDigest(e Entry) error {
	if e.Entity == nil || e.Entity.Fields == nil || e.Digest == "" {
		return nil
	}
	got, err := ir.FieldsHash(e.Entity.Fields.Object())
	if err != nil {
		return fmt.Errorf("replay entry %d: %w", e.Seq, err)
	}
	if got != e.Digest {
		return fmt.Errorf("replay entry %d: digest mismatch for %s/%s", e.Seq, e.Kind, e.ID)
	}
	return nil
}
