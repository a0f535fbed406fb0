package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/mailfilter/actions"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/mailstore"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

// ErrAborted is returned when the filters gave up on an item.
var ErrAborted = errors.New("filtering aborted")

// Runner filters items that live in a mail store.
type Runner struct {
	Store   mailstore.Store
	Manager *Manager
	Set     ApplySet
	Account string
	// DryRun evaluates filters but writes nothing back.
	DryRun bool
}

// Report summarises a collection run.
type Report struct {
	Processed int
	Matched   int
	Failed    int
	Deleted   int
	Moved     int
	Stored    int
}

// RunItem fetches the item as far as the filters need, runs them, and
// applies the outcome.
//
// The fetch covers the RequiredPart of every active filter, so actions that
// declare their part never return ErrorNeedComplete here. An action that
// understates it makes the item be fetched again in full and the filters
// rerun once from a clean context; actions with outside effects (copy,
// forward, redirect, notifications) that ran before it then run twice.
func (r *Runner) RunItem(ctx context.Context, ref item.Ref) (Result, *item.ItemContext, error) {
	part := r.Manager.RequiredPart(r.Set, r.Account)
	ic, err := r.fetch(ctx, ref, part)
	if err != nil {
		return Result{}, nil, err
	}
	res := r.Manager.Process(ctx, ic, r.Set, r.Account)

	if res.Code == actions.ErrorNeedComplete && part != search.CompleteMessage {
		metrics.PipelineRefetches.Inc()
		logger.Debug("FILTER: refetching complete message", "item", ref)
		if ic, err = r.fetch(ctx, ref, search.CompleteMessage); err != nil {
			return res, nil, err
		}
		res = r.Manager.Process(ctx, ic, r.Set, r.Account)
	}

	switch res.Code {
	case actions.ErrorNeedComplete, actions.CriticalError:
		return res, ic, fmt.Errorf("%s: %w (%s)", ref, ErrAborted, res.Code)
	}
	if r.DryRun {
		return res, ic, nil
	}
	if err := mailstore.Apply(ctx, r.Store, ic); err != nil {
		return res, ic, fmt.Errorf("apply filter results to %s: %w", ref, err)
	}
	return res, ic, nil
}

func (r *Runner) fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (*item.ItemContext, error) {
	it, err := r.Store.Fetch(ctx, ref, part)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return item.NewContext(it, part == search.CompleteMessage), nil
}

// RunCollection filters every item of a collection. Failures on single
// items are logged and counted; only listing errors and cancellation end
// the run.
func (r *Runner) RunCollection(ctx context.Context, collection string) (Report, error) {
	var rep Report
	items, err := r.Store.List(ctx, collection)
	if err != nil {
		return rep, fmt.Errorf("list %s: %w", collection, err)
	}
	logger.Info("FILTER: filtering collection", "store", r.Store.Name(), "collection", collection, "items", len(items), "dry_run", r.DryRun)

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, ic, err := r.RunItem(ctx, it.Ref())
		rep.Processed++
		if len(res.Matched) > 0 {
			rep.Matched++
		}
		if err != nil {
			rep.Failed++
			logger.Warn("FILTER: cannot filter item", "item", it.Ref(), "error", err)
			continue
		}
		switch {
		case ic.DeleteItem():
			rep.Deleted++
		default:
			if ic.NeedsPayloadStore() || ic.NeedsFlagStore() {
				rep.Stored++
			}
			if _, ok := ic.MoveTargetCollection(); ok {
				rep.Moved++
			}
		}
	}
	logger.Info("FILTER: collection done", "collection", collection,
		"processed", rep.Processed, "matched", rep.Matched, "failed", rep.Failed,
		"deleted", rep.Deleted, "moved", rep.Moved, "stored", rep.Stored)
	return rep, nil
}
