package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reginabarzilaygroup/ark/dicomtest"
	"github.com/reginabarzilaygroup/ark/ingest"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/predictor"
	"github.com/reginabarzilaygroup/ark/scoring"
)

type fakeModel struct {
	mu       sync.Mutex
	payloads []map[string]any
	failFor  string
	block    bool
}

func (m *fakeModel) Info() predictor.Info {
	return predictor.Info{Name: "mirai", Version: "0.9.0", APIVersion: predictor.APIVersion}
}

func (m *fakeModel) Predict(ctx context.Context, in predictor.Input) (*predictor.Result, error) {
	m.mu.Lock()
	m.payloads = append(m.payloads, in.Payload)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.failFor != "" && in.Series.SeriesInstanceUID() == m.failFor {
		return nil, errors.New("model crashed")
	}
	return &predictor.Result{Scores: predictor.FromList([]float64{0.1, 0.2, 0.3})}, nil
}

func newTestHandlers(t *testing.T, model *fakeModel, timeout time.Duration) *Handlers {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "scores.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	cfg := defaultConfig()
	cfg.Modality = "MG"
	return &Handlers{
		Cfg:     cfg,
		Scorer:  scoring.New(nil, predictor.NewGuard(model), timeout),
		Adapter: ingest.NewAdapter(ingest.DefaultModalities),
		Ledger:  led,
		now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func formUpload(t *testing.T, files [][]byte, data string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, f := range files {
		fw, err := mw.CreateFormFile("dicom", fmt.Sprintf("img%d.dcm", i))
		require.NoError(t, err)
		_, err = fw.Write(f)
		require.NoError(t, err)
	}
	if data != "" {
		require.NoError(t, mw.WriteField("data", data))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

const storeBoundary = "ARKBOUNDARY"

func storeRequestBody(dicoms [][]byte, extra ...string) []byte {
	var buf bytes.Buffer
	for _, d := range dicoms {
		buf.WriteString("--" + storeBoundary + "\r\nContent-Type: application/dicom\r\n\r\n")
		buf.Write(d)
		buf.WriteString("\r\n")
	}
	for _, e := range extra {
		buf.WriteString("--" + storeBoundary + "\r\nContent-Type: text/plain\r\n\r\n" + e + "\r\n")
	}
	buf.WriteString("--" + storeBoundary + "--\r\n")
	return buf.Bytes()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestDicomFilesScoresUpload(t *testing.T) {
	model := &fakeModel{}
	h := newTestHandlers(t, model, 0)
	body, ct := formUpload(t, dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 4), `{"age": 52}`)

	req := httptest.NewRequest(http.MethodPost, "/dicom/files", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.routes(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data struct {
			Predictions  map[string]float64 `json:"predictions"`
			ModelVersion string             `json:"modelVersion"`
		} `json:"data"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]float64{"Year 1": 0.1, "Year 2": 0.2, "Year 3": 0.3}, resp.Data.Predictions)
	assert.Equal(t, "0.9.0", resp.Data.ModelVersion)
	assert.Equal(t, "scored 4 of 4 files", resp.Message)

	require.Len(t, model.payloads, 1)
	assert.Equal(t, float64(52), model.payloads[0]["age"])

	recs, err := h.Ledger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.SourceUpload, recs[0].Source)
	assert.Equal(t, "1.2.3", recs[0].StudyInstanceUID)
	assert.NotEmpty(t, recs[0].RunID)
}

func TestDicomFilesRejectsBadRequests(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{}, 0)
	srv := h.routes(nil)

	t.Run("no dicom field", func(t *testing.T) {
		body, ct := formUpload(t, nil, `{"age": 52}`)
		req := httptest.NewRequest(http.MethodPost, "/dicom/files", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"malformed","message":"request does not contain a `+"`dicom`"+` file array","statusCode":400}`, rec.Body.String())
	})

	t.Run("data not json", func(t *testing.T) {
		body, ct := formUpload(t, dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 1), `not json`)
		req := httptest.NewRequest(http.MethodPost, "/dicom/files", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("nothing parseable", func(t *testing.T) {
		body, ct := formUpload(t, [][]byte{[]byte("not dicom")}, "")
		req := httptest.NewRequest(http.MethodPost, "/dicom/files", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		out := decodeBody(t, rec)
		assert.Contains(t, string(out["items"]), `"status":"fail"`)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dicom/files", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	})
}

func TestDicomFilesTimeout(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{block: true}, 20*time.Millisecond)
	body, ct := formUpload(t, dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 1), "")
	req := httptest.NewRequest(http.MethodPost, "/dicom/files", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.routes(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	recs, err := h.Ledger.Records()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStudiesScoresEachSeries(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{}, 0)
	dicoms := append(dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 2), dicomtest.Series(t, "MG", "1.2.3", "1.2.3.2", 2)...)
	for _, path := range []string{"/dicom/uploads", "/studies"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(storeRequestBody(dicoms, "ignored", "also ignored")))
			req.Header.Set("Content-Type", `multipart/related; type="application/dicom"; boundary=`+storeBoundary)
			rec := httptest.NewRecorder()
			h.routes(nil).ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var resp struct {
				Referenced  []seriesRef                   `json:"00081199"`
				Failed      []seriesRef                   `json:"00081198"`
				Predictions map[string]map[string]float64 `json:"predictions"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Len(t, resp.Referenced, 2)
			assert.Empty(t, resp.Failed)
			assert.Equal(t, 2, resp.Referenced[0].Instances)
			assert.Contains(t, resp.Predictions, "1.2.3.1")
			assert.Contains(t, resp.Predictions, "1.2.3.2")
		})
	}

	recs, err := h.Ledger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, r := range recs {
		assert.Equal(t, ledger.SourceStore, r.Source)
	}
}

func TestStudiesPartialFailureListsEverySeriesAsFailed(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{failFor: "1.2.3.2"}, 0)
	dicoms := append(dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 1), dicomtest.Series(t, "MG", "1.2.3", "1.2.3.2", 1)...)
	req := httptest.NewRequest(http.MethodPost, "/studies", bytes.NewReader(storeRequestBody(dicoms)))
	req.Header.Set("Content-Type", "multipart/related; boundary="+storeBoundary)
	rec := httptest.NewRecorder()
	h.routes(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		Referenced []seriesRef `json:"00081199"`
		Failed     []seriesRef `json:"00081198"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Referenced)
	require.Len(t, resp.Failed, 2)
	assert.Empty(t, resp.Failed[0].FailureReason)
	assert.Contains(t, resp.Failed[1].FailureReason, "model crashed")
}

func TestStudiesRejectsBadBodies(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{failFor: "1.2.3.1"}, 0)
	srv := h.routes(nil)

	cases := []struct {
		name   string
		ct     string
		body   []byte
		status int
	}{
		{"missing boundary", "multipart/related", storeRequestBody(nil, "x"), http.StatusBadRequest},
		{"no dicom parts", "multipart/related; boundary=" + storeBoundary, storeRequestBody(nil, "x", "y"), http.StatusUnprocessableEntity},
		{"all series failed", "multipart/related; boundary=" + storeBoundary, storeRequestBody(dicomtest.Series(t, "MG", "1.2.3", "1.2.3.1", 1)), http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/dicom/uploads", bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.ct)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestInfoHealthAndScores(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{}, 0)
	srv := h.routes(nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"modelName":"mirai","modelVersion":"0.9.0","apiVersion":"1.0.0","modality":"MG"},"message":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, h.Ledger.Append(ledger.Record{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), Source: ledger.SourceArchive, PatientID: "P-1",
		Predictions: json.RawMessage(`{"Year 1":0.5}`),
	}))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scores.csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], ",Year 1"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",0.5"), lines[1])

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scores/export", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.Ledger = nil
	rec = httptest.NewRecorder()
	h.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scores.csv", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRouteAndMetrics(t *testing.T) {
	h := newTestHandlers(t, &fakeModel{}, 0)
	h.Requests = newRequestCounter(prometheus.NewRegistry())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	srv := h.routes(metrics)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())

	for i := 0; i < 2; i++ {
		srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/info", nil))
	}
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/info", nil))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.Requests.WithLabelValues("info", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.Requests.WithLabelValues("info", "405")))
}

type fakeVerifier struct{}

func (fakeVerifier) VerifyIDToken(_ context.Context, token string) (*auth.Token, error) {
	if token == "good" {
		return &auth.Token{UID: "user-1"}, nil
	}
	return nil, errors.New("bad token")
}

func TestAuthenticatorRequire(t *testing.T) {
	a := NewAuthenticator(fakeVerifier{}, "dev-secret")
	next := a.Require(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	cases := map[string]int{
		"":                  http.StatusUnauthorized,
		"Bearer ":           http.StatusUnauthorized,
		"Basic abc":         http.StatusUnauthorized,
		"Bearer bad":        http.StatusUnauthorized,
		"Bearer good":       http.StatusTeapot,
		"Bearer dev-secret": http.StatusTeapot,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/dicom/files", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		next(rec, req)
		assert.Equal(t, want, rec.Code, "Authorization %q", header)
	}

	var none *Authenticator
	rec := httptest.NewRecorder()
	none.Require(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestUserIDFromToken(t *testing.T) {
	a := NewAuthenticator(fakeVerifier{}, "")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	uid, err := a.UserID(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)

	req.Header.Set("Authorization", "Bearer dev-secret")
	_, err = a.UserID(req)
	assert.ErrorIs(t, err, errUnauthorized)
}

func TestCORSAndRecover(t *testing.T) {
	panicky := withRecover(withCORS("localhost:3000", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	panicky.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/dicom/files", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	panicky.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal","message":"internal server error","statusCode":500}`, rec.Body.String())
}
