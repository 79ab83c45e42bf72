package engine

import (
	"context"

	"github.com/roach88/tasksync/internal/api"
	"github.com/roach88/tasksync/internal/entity"
	"github.com/roach88/tasksync/internal/ir"
)

// BulkItem is one patch of a bulk mutation.
type BulkItem struct {
	ID    string
	Patch ir.Object
}

// BulkFailure explains why one item failed. Reason is the API error kind
// ("network", "validation", ...) when the server refused the item, else the
// error text.
type BulkFailure struct {
	ID     string
	Reason string
	Err    error
}

// BulkReport lists item outcomes in input order.
type BulkReport struct {
	Succeeded []string
	Failed    []BulkFailure
}

// MutateBulk issues one mutation per item. Predictions are applied in order;
// requests run concurrently and each item settles independently. It waits for
// every item and returns a *PartialBulkFailureError if any failed.
//
// A superseded item counts as succeeded unless its own request failed.
func (e *Engine) MutateBulk(ctx context.Context, kind entity.Kind, items []BulkItem) (BulkReport, error) {
	muts := make([]*Mutation, len(items))
	errs := make([]error, len(items))
	for i, it := range items {
		muts[i], errs[i] = e.Mutate(ctx, kind, it.ID, it.Patch)
	}

	var report BulkReport
	for i, it := range items {
		if errs[i] != nil {
			report.Failed = append(report.Failed, failure(it.ID, errs[i]))
			continue
		}
		out, err := muts[i].Wait(ctx)
		if out.Status == "" {
			// ctx ended; the remaining mutations still settle on their own.
			return report, err
		}
		if out.Err != nil {
			report.Failed = append(report.Failed, failure(it.ID, out.Err))
			continue
		}
		report.Succeeded = append(report.Succeeded, it.ID)
	}

	if len(report.Failed) > 0 {
		return report, &PartialBulkFailureError{Report: report}
	}
	return report, nil
}

func failure(id string, err error) BulkFailure {
	reason := string(api.KindOf(err))
	if reason == "" {
		reason = err.Error()
	}
	return BulkFailure{ID: id, Reason: reason, Err: err}
}
