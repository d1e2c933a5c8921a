// Package scoring runs an assembled series through the image pipeline and
// the model. All three ingestion paths share it.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/imagepipe"
	"github.com/reginabarzilaygroup/ark/predictor"
)

var (
	// ErrProcessing marks a group-level failure: pipeline or model.
	ErrProcessing = errors.New("processing failed")
	// ErrTimeout marks a model call that exceeded its deadline.
	ErrTimeout = errors.New("prediction timed out")
)

// Outcome is the result of scoring one series.
type Outcome struct {
	Result  *predictor.Result
	Info    predictor.Info
	Skipped []imagepipe.ItemError
}

// Scorer owns the long-lived pipeline and guarded predictor.
type Scorer struct {
	pipeline *imagepipe.Pipeline
	model    *predictor.Guard
	timeout  time.Duration
}

// New builds a scorer. pipeline may be nil when the model reads instances
// directly; timeout <= 0 disables the per-call deadline.
func New(pipeline *imagepipe.Pipeline, model *predictor.Guard, timeout time.Duration) *Scorer {
	return &Scorer{pipeline: pipeline, model: model, timeout: timeout}
}

// Info describes the model.
func (s *Scorer) Info() predictor.Info { return s.model.Info() }

// Score normalizes the series and invokes the model under its lock.
func (s *Scorer) Score(ctx context.Context, series *dicomobj.Series, payload map[string]any) (*Outcome, error) {
	if series.Len() == 0 {
		return nil, fmt.Errorf("Score: empty series: %w", ErrProcessing)
	}
	out := &Outcome{Info: s.model.Info()}

	in := predictor.Input{Series: series, Payload: payload}
	if s.pipeline != nil {
		tensor, skipped, err := s.pipeline.Apply(ctx, series)
		out.Skipped = skipped
		for _, sk := range skipped {
			log.Printf("Score: excluded %v", sk)
		}
		if err != nil {
			return out, fmt.Errorf("Score: pipeline: %v: %w", err, ErrProcessing)
		}
		in.Tensor = tensor
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.model.Predict(callCtx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return out, fmt.Errorf("Score: after %s: %w: %w", s.timeout, ErrTimeout, ErrProcessing)
		}
		return out, fmt.Errorf("Score: %v: %w", err, ErrProcessing)
	}
	out.Result = res
	return out, nil
}
