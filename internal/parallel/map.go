package parallel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every input with at most limit calls in flight and
// returns the outputs in input order. The first error cancels the context
// passed to the remaining calls and is returned together with the partial
// output.
//
//	signals, err := parallel.Map(ctx, 4, paths, load)
func Map[E, D any](ctx context.Context, limit int, inputs []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))

	out := make([]D, len(inputs))
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := mapFunc(gctx, in)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = d
			return nil
		})
	}
	return out, g.Wait()
}
