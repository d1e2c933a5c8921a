package predictor

import "context"

// Empty returns no scores. Useful to exercise ingestion without a model.
type Empty struct {
	info Info
}

func (e *Empty) Info() Info { return e.info }

func (e *Empty) Predict(ctx context.Context, _ Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Empty) ConcurrencySafe() bool { return true }
