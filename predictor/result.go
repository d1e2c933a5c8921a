package predictor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrBadResult is returned when a model response cannot be interpreted.
var ErrBadResult = errors.New("unrecognized prediction result")

// Score is one keyed numeric result, e.g. "Year 1" -> 0.013.
type Score struct {
	Key   string
	Value float64
}

// Scores is an ordered mapping. It marshals as a JSON object in order.
type Scores []Score

// FromList names list-shaped results "Year 1".."Year N".
func FromList(values []float64) Scores {
	out := make(Scores, len(values))
	for i, v := range values {
		out[i] = Score{Key: "Year " + strconv.Itoa(i+1), Value: v}
	}
	return out
}

// Map returns the scores as an unordered map.
func (s Scores) Map() map[string]float64 {
	m := make(map[string]float64, len(s))
	for _, sc := range s {
		m[sc.Key] = sc.Value
	}
	return m
}

// MarshalJSON writes an object with keys in slice order.
func (s Scores) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, sc := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(sc.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(sc.Value)
		if err != nil {
			return nil, fmt.Errorf("score %q: %w", sc.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object (order kept) or a list (Year N keys).
func (s *Scores) UnmarshalJSON(b []byte) error {
	scores, ok := decodeScores(b)
	if !ok {
		return fmt.Errorf("scores %s: %w", truncate(b), ErrBadResult)
	}
	*s = scores
	return nil
}

// Result is what a predictor returns for one series.
type Result struct {
	// Scores is the flat keyed view used by reports and the ledger CSV.
	Scores Scores
	// Raw keeps the model's own predictions structure when it is richer than
	// a flat mapping (nested lists, per-view dictionaries).
	Raw json.RawMessage
	// Aux carries auxiliary outputs such as attention maps.
	Aux map[string]any
}

// Predictions is the JSON stored in ledger records: Raw when present,
// otherwise the ordered scores.
func (r *Result) Predictions() json.RawMessage {
	if r == nil {
		return json.RawMessage("null")
	}
	if len(r.Raw) > 0 {
		return r.Raw
	}
	b, err := json.Marshal(r.Scores)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// ParsePredictions accepts any JSON predictions value and keeps it in Raw.
// Numeric scores are extracted where the shape allows: numeric members of an
// object, a list of numbers, the first row of nested lists, or a bare number
// (keyed "predictions"). Other shapes leave Scores empty. Only invalid JSON is
// rejected.
func ParsePredictions(b []byte) (*Result, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return &Result{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("predictions %s: %w", truncate(b), ErrBadResult)
	}
	res := &Result{Raw: append(json.RawMessage(nil), b...)}
	if scores, ok := decodeScores(b); ok {
		res.Scores = scores
	} else {
		var v float64
		if err := json.Unmarshal(b, &v); err == nil {
			res.Scores = Scores{{Key: "predictions", Value: v}}
		}
	}
	return res, nil
}

// decodeScores reports whether b has a score-bearing shape. Objects keep only
// their numeric members.
func decodeScores(b []byte) (Scores, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, false
	}
	switch b[0] {
	case '{':
		return decodeOrderedObject(b)
	case '[':
		var flat []float64
		if err := json.Unmarshal(b, &flat); err == nil {
			return FromList(flat), true
		}
		var nested []json.RawMessage
		if err := json.Unmarshal(b, &nested); err != nil || len(nested) == 0 {
			return nil, false
		}
		return decodeScores(nested[0])
	}
	return nil, false
}

func decodeOrderedObject(b []byte) (Scores, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}
	var out Scores
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, false
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, Score{Key: key, Value: v})
	}
	return out, true
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
