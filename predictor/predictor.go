// Package predictor defines the model boundary: what the pipeline hands a
// model and what comes back. The model itself runs elsewhere.
package predictor

import (
	"context"
	"errors"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/imagepipe"
)

// ErrPredict wraps every failure coming out of a model call.
var ErrPredict = errors.New("prediction failed")

// Info identifies the model behind a Predictor.
type Info struct {
	Name       string `json:"modelName"`
	Version    string `json:"modelVersion"`
	APIVersion string `json:"apiVersion"`
}

// Input is one prediction request.
type Input struct {
	Series *dicomobj.Series
	// Tensor is nil when the model consumes raw instances.
	Tensor  *imagepipe.Tensor
	Payload map[string]any
}

// Predictor runs a model on one series.
type Predictor interface {
	Info() Info
	Predict(ctx context.Context, in Input) (*Result, error)
}

// ConcurrencySafe is implemented by predictors that may be called from
// several goroutines at once.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// Closer is implemented by predictors holding external resources.
type Closer interface {
	Close() error
}
