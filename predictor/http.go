package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTP posts each request to a remote model service.
type HTTP struct {
	info          Info
	url           string
	concurrent    bool
	sendInstances bool
	client        *http.Client
}

// NewHTTP builds an HTTP predictor. Timeouts come from the caller's context.
func NewHTTP(info Info, cfg Config) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NewHTTP: url is required")
	}
	return &HTTP{
		info:          info,
		url:           cfg.URL,
		concurrent:    cfg.Concurrent,
		sendInstances: cfg.SendInstances,
		client:        &http.Client{},
	}, nil
}

func (h *HTTP) Info() Info { return h.info }

func (h *HTTP) ConcurrencySafe() bool { return h.concurrent }

func (h *HTTP) Predict(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(buildRequest(h.info.Name, in, h.sendInstances))
	if err != nil {
		return nil, fmt.Errorf("Predict: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Predict: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Predict: POST %s: %v: %w", h.url, err, ErrPredict)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Predict: status %d %s: %w", resp.StatusCode, bytes.TrimSpace(msg), ErrPredict)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("Predict: decode response: %v: %w", err, ErrPredict)
	}
	return wr.result()
}
