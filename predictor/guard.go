package predictor

import "context"

// Guard serializes calls into a Predictor unless it declares itself
// ConcurrencySafe. Waiting for the slot honours ctx.
type Guard struct {
	p   Predictor
	sem chan struct{}
}

// NewGuard wraps p.
func NewGuard(p Predictor) *Guard {
	g := &Guard{p: p}
	if cs, ok := p.(ConcurrencySafe); !ok || !cs.ConcurrencySafe() {
		g.sem = make(chan struct{}, 1)
	}
	return g
}

// Info forwards to the wrapped predictor.
func (g *Guard) Info() Info { return g.p.Info() }

// Predict runs the wrapped predictor inside the critical section.
func (g *Guard) Predict(ctx context.Context, in Input) (*Result, error) {
	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
			defer func() { <-g.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.p.Predict(ctx, in)
}

// Close closes the wrapped predictor when it holds resources.
func (g *Guard) Close() error {
	if c, ok := g.p.(Closer); ok {
		return c.Close()
	}
	return nil
}
