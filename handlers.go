package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/ingest"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/poller"
	"github.com/reginabarzilaygroup/ark/predictor"
	"github.com/reginabarzilaygroup/ark/scoring"
)

// DICOM attribute keys used in store responses.
const (
	keyReferencedSOPSequence = "00081199"
	keyFailedSOPSequence     = "00081198"
)

// Handlers holds dependencies shared by HTTP handlers.
type Handlers struct {
	Cfg     Config
	Scorer  *scoring.Scorer
	Adapter *ingest.Adapter
	// Ledger and Exporter may be nil.
	Ledger   *ledger.Ledger
	Exporter *ledger.Exporter
	Auth     *Authenticator
	// Poller is nil when archive polling is off.
	Poller *poller.Poller
	// Requests counts responses per route; may be nil.
	Requests *prometheus.CounterVec
	now      func() time.Time
}

// writeJSON is a small helper to send JSON responses with status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON error: %v", err)
	}
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: kind, Message: msg, StatusCode: status})
}

// writeScoreError maps a scoring failure to a response.
func writeScoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scoring.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, dicomobj.ErrMalformed):
		writeError(w, http.StatusBadRequest, "malformed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error())
	}
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("%s not allowed", r.Method))
	return false
}

// scoreGroup assembles, scores and records one group of objects.
func (h *Handlers) scoreGroup(ctx context.Context, runID, source string, objs []*dicomobj.ImageObject, payload map[string]any) (*scoring.Outcome, error) {
	if len(objs) == 0 {
		return nil, fmt.Errorf("no images: %w", dicomobj.ErrMalformed)
	}
	series, lookups, err := dicomobj.ForModality(objs[0].Tags().Modality, 0).Assemble(objs)
	for _, lf := range lookups {
		log.Printf("[%s] scoreGroup: excluded from series: %v", runID, lf)
	}
	if err != nil {
		return nil, err
	}
	if series.Len() == 0 {
		return nil, fmt.Errorf("no usable images after assembly: %w", dicomobj.ErrMalformed)
	}
	outcome, err := h.Scorer.Score(ctx, series, payload)
	if err != nil {
		return nil, err
	}
	if outcome.Result == nil {
		outcome.Result = &predictor.Result{}
	}
	rec := ledger.NewRecord(source, series.Template().Tags(), outcome.Info, outcome.Result, h.clock())
	rec.RunID = runID
	if err := h.Ledger.Append(rec); err != nil {
		return nil, fmt.Errorf("scoreGroup: %w", err)
	}
	return outcome, nil
}

// DicomFilesHandler implements POST /dicom/files: a multipart/form-data
// upload with files under "dicom" and an optional JSON "data" field. All
// accepted files are scored together as one exam.
func (h *Handlers) DicomFilesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	runID := uuid.NewString()[:8]
	r.Body = http.MaxBytesReader(w, r.Body, h.Cfg.MaxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			log.Printf("[%s] DicomFilesHandler: RemoveAll: %v", runID, err)
		}
	}()

	files := r.MultipartForm.File["dicom"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "malformed", "request does not contain a `dicom` file array")
		return
	}
	var payload map[string]any
	if data := r.FormValue("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed", fmt.Sprintf("`data` is not a JSON object: %v", err))
			return
		}
	}

	groups, batch := h.Adapter.LoadFiles(files)
	log.Printf("[%s] DicomFilesHandler: %d files, %s", runID, len(files), batch.Summary())
	var objs []*dicomobj.ImageObject
	for _, g := range groups {
		objs = append(objs, g.Objects...)
	}
	if len(objs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "malformed",
			"message":    "no usable DICOM files in request",
			"statusCode": http.StatusBadRequest,
			"items":      batch.Items,
		})
		return
	}

	outcome, err := h.scoreGroup(r.Context(), runID, ledger.SourceUpload, objs, payload)
	if err != nil {
		log.Printf("[%s] DicomFilesHandler: %v", runID, err)
		writeScoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"predictions":  outcome.Result.Predictions(),
			"modelName":    outcome.Info.Name,
			"modelVersion": outcome.Info.Version,
			"apiVersion":   outcome.Info.APIVersion,
			"items":        batch.Items,
		},
		"message": fmt.Sprintf("scored %d of %d files", len(objs), len(files)),
	})
}

// seriesRef is one entry of the referenced/failed sequences.
type seriesRef struct {
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	Instances         int    `json:"Instances"`
	FailureReason     string `json:"FailureReason,omitempty"`
}

// StudiesHandler implements the store request (POST /dicom/uploads and
// POST /studies): a multipart/related body of application/dicom parts.
// Each series is scored on its own. When any series fails, every series is
// listed as failed.
func (h *Handlers) StudiesHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	runID := uuid.NewString()[:8]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.Cfg.MaxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}
	parts, err := ingest.ParseMultipart(r.Header.Get("Content-Type"), body, ingest.DICOMMediaType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	groups, batch := h.Adapter.LoadParts(parts)
	log.Printf("[%s] StudiesHandler: %d parts, %d series, %s", runID, len(parts), len(groups), batch.Summary())
	if len(groups) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "no_instances",
			"message":    "no application/dicom parts could be used",
			"statusCode": http.StatusUnprocessableEntity,
			"items":      batch.Items,
		})
		return
	}

	var done, failed []seriesRef
	predictions := map[string]json.RawMessage{}
	for _, g := range groups {
		ref := seriesRef{StudyInstanceUID: g.StudyInstanceUID, SeriesInstanceUID: g.SeriesInstanceUID, Instances: len(g.Objects)}
		outcome, err := h.scoreGroup(r.Context(), runID, ledger.SourceStore, g.Objects, nil)
		if err != nil {
			log.Printf("[%s] StudiesHandler: %s: %v", runID, g.SeriesInstanceUID, err)
			ref.FailureReason = err.Error()
			failed = append(failed, ref)
			continue
		}
		predictions[g.SeriesInstanceUID] = outcome.Result.Predictions()
		done = append(done, ref)
	}

	status := http.StatusOK
	switch {
	case len(done) == 0:
		status = http.StatusConflict
	case len(failed) > 0:
		status = http.StatusAccepted
		failed = append(done, failed...)
		done = nil
	}
	writeJSON(w, status, map[string]any{
		keyReferencedSOPSequence: nonNil(done),
		keyFailedSOPSequence:     nonNil(failed),
		"predictions":            predictions,
		"items":                  batch.Items,
	})
}

func nonNil(refs []seriesRef) []seriesRef {
	if refs == nil {
		return []seriesRef{}
	}
	return refs
}

// InfoHandler implements GET /info.
func (h *Handlers) InfoHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	info := h.Scorer.Info()
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"modelName":    info.Name,
			"modelVersion": info.Version,
			"apiVersion":   info.APIVersion,
			"modality":     h.Cfg.Modality,
		},
		"message": "ok",
	})
}

// HealthHandler implements GET /health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.Poller != nil {
		resp["poller"] = h.Poller.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ScoresCSVHandler implements GET /scores.csv.
func (h *Handlers) ScoresCSVHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.Ledger == nil {
		writeError(w, http.StatusNotFound, "not_found", "scores are not being saved")
		return
	}
	data, err := h.Ledger.CSV()
	if err != nil {
		log.Printf("ScoresCSVHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to read scores")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="scores.csv"`)
	if _, err := w.Write(data); err != nil {
		log.Printf("ScoresCSVHandler: write: %v", err)
	}
}

// ScoresExportHandler implements POST /scores/export.
func (h *Handlers) ScoresExportHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.Ledger == nil || h.Exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "score export is not configured")
		return
	}
	uri, err := h.Exporter.Export(r.Context(), h.Ledger, h.clock())
	if err != nil {
		log.Printf("ScoresExportHandler: %v", err)
		writeError(w, http.StatusBadGateway, "export_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uri": uri})
}

// routes builds the HTTP surface. metrics may be nil.
func (h *Handlers) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/dicom/files", h.instrument("files", h.Auth.Require(h.DicomFilesHandler)))
	mux.HandleFunc("/dicom/uploads", h.instrument("uploads", h.Auth.Require(h.StudiesHandler)))
	mux.HandleFunc("/studies", h.instrument("studies", h.Auth.Require(h.StudiesHandler)))

	mux.HandleFunc("/info", h.instrument("info", h.InfoHandler))
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/scores.csv", h.instrument("scores_csv", h.Auth.Require(h.ScoresCSVHandler)))
	mux.HandleFunc("/scores/export", h.instrument("scores_export", h.Auth.Require(h.ScoresExportHandler)))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", strings.TrimSpace(r.URL.Path)+" not found")
	})
	return withRecover(withCORS(h.Cfg.CORSOrigin, mux))
}
