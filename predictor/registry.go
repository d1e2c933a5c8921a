package predictor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIVersion is reported alongside model info.
const APIVersion = "1.0.0"

// ErrUnknownKind is returned by New for an unregistered predictor kind.
var ErrUnknownKind = errors.New("unknown predictor kind")

// Kind selects a predictor implementation. The set is closed.
type Kind string

const (
	KindEmpty      Kind = "empty"
	KindHTTP       Kind = "http"
	KindSubprocess Kind = "subprocess"
)

// Config describes the predictor to build at startup.
type Config struct {
	Kind    Kind   `yaml:"kind"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// URL of the model service (http).
	URL string `yaml:"url"`
	// Command and arguments of the worker process (subprocess).
	Command []string `yaml:"command"`
	// Concurrent declares the backend safe for parallel calls (http only).
	Concurrent bool `yaml:"concurrent"`
	// SendInstances includes base64 Part-10 payloads in each request.
	SendInstances bool `yaml:"send_instances"`
}

// New resolves cfg to a concrete predictor once, at configuration time.
func New(cfg Config) (Predictor, error) {
	info := Info{Name: cfg.Name, Version: cfg.Version, APIVersion: APIVersion}
	if info.Name == "" {
		info.Name = string(cfg.Kind)
	}
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case KindEmpty, "":
		return &Empty{info: info}, nil
	case KindHTTP:
		return NewHTTP(info, cfg)
	case KindSubprocess:
		return NewSubprocess(info, cfg)
	default:
		return nil, fmt.Errorf("predictor.New(%q): %w", cfg.Kind, ErrUnknownKind)
	}
}

// wireRequest is the JSON document sent to out-of-process models.
type wireRequest struct {
	Model     string         `json:"model"`
	Payload   map[string]any `json:"payload,omitempty"`
	Tensor    any            `json:"tensor,omitempty"`
	Instances []wireInstance `json:"instances,omitempty"`
}

type wireInstance struct {
	Name  string `json:"name"`
	DICOM string `json:"dicom"`
}

// wireResponse is what out-of-process models answer.
type wireResponse struct {
	Predictions  json.RawMessage `json:"predictions"`
	Aux          map[string]any  `json:"aux,omitempty"`
	Error        string          `json:"error,omitempty"`
	ModelVersion string          `json:"modelVersion,omitempty"`
}

func buildRequest(name string, in Input, withInstances bool) wireRequest {
	req := wireRequest{Model: name, Payload: in.Payload}
	if in.Tensor != nil {
		req.Tensor = in.Tensor
	}
	if withInstances && in.Series != nil {
		for _, o := range in.Series.Objects {
			req.Instances = append(req.Instances, wireInstance{
				Name:  o.Name(),
				DICOM: base64.StdEncoding.EncodeToString(o.Bytes()),
			})
		}
	}
	return req
}

func (r wireResponse) result() (*Result, error) {
	if r.Error != "" {
		return nil, fmt.Errorf("model error: %s: %w", r.Error, ErrPredict)
	}
	res, err := ParsePredictions(r.Predictions)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrPredict)
	}
	res.Aux = r.Aux
	return res, nil
}
