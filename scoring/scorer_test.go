package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/dicomtest"
	"github.com/reginabarzilaygroup/ark/predictor"
)

type stubModel struct {
	delay time.Duration
	err   error
}

func (m stubModel) Info() predictor.Info { return predictor.Info{Name: "stub", Version: "1"} }

func (m stubModel) Predict(ctx context.Context, in predictor.Input) (*predictor.Result, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &predictor.Result{Scores: predictor.FromList([]float64{float64(in.Series.Len())})}, nil
}

func testSeries(t *testing.T) *dicomobj.Series {
	t.Helper()
	var objs []*dicomobj.ImageObject
	for i, raw := range dicomtest.Series(t, "MG", "1.1", "1.1.1", 4) {
		o, err := dicomobj.Parse(i, "x", raw)
		require.NoError(t, err)
		objs = append(objs, o)
	}
	return &dicomobj.Series{Objects: objs}
}

func TestScoreWithoutPipeline(t *testing.T) {
	s := New(nil, predictor.NewGuard(stubModel{}), time.Second)
	out, err := s.Score(context.Background(), testSeries(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out.Result.Scores[0].Value)
	assert.Equal(t, "stub", out.Info.Name)
}

func TestScoreTimeoutIsProcessingFailure(t *testing.T) {
	s := New(nil, predictor.NewGuard(stubModel{delay: time.Second}), 10*time.Millisecond)
	_, err := s.Score(context.Background(), testSeries(t), nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, ErrProcessing))
}

func TestScoreModelError(t *testing.T) {
	s := New(nil, predictor.NewGuard(stubModel{err: errors.New("cuda")}), 0)
	_, err := s.Score(context.Background(), testSeries(t), nil)
	assert.True(t, errors.Is(err, ErrProcessing))

	_, err = s.Score(context.Background(), &dicomobj.Series{}, nil)
	assert.True(t, errors.Is(err, ErrProcessing))
}
