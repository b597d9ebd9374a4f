package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every item with at most limit calls in flight and waits
// for all of them. The returned slice holds per-item errors in input order;
// a nil entry means the item succeeded. Items not started before ctx is
// canceled get ctx.Err().
//
//	errs := parallel.Each(ctx, 4, runs, deleteRun)
func Each[E any](ctx context.Context, limit int, items []E, fn func(context.Context, E) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Map is like Each but collects a result for every item.
func Map[E, D any](ctx context.Context, limit int, items []E, fn func(context.Context, E) (D, error)) ([]D, []error) {
	out := make([]D, len(items))
	errs := Each(ctx, limit, indexes(len(items)), func(ctx context.Context, i int) error {
		d, err := fn(ctx, items[i])
		out[i] = d
		return err
	})
	return out, errs
}

func indexes(n int) []int {
	ret := make([]int, n)
	for i := range ret {
		ret[i] = i
	}
	return ret
}
