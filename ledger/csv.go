package ledger

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var baseColumns = []string{
	"timestamp", "source", "PatientID", "AccessionNumber", "StudyID",
	"StudyInstanceUID", "SeriesInstanceUID", "apiVersion", "modelName", "modelVersion", "runId",
}

type cell struct {
	key, value string
}

// WriteCSV projects records to CSV. Prediction objects are merged into the
// row, flat lists become "Year N" columns and nested lists use their first
// row. Prediction columns follow the fixed ones in first-seen order.
func WriteCSV(w io.Writer, records []Record) error {
	var predCols []string
	seen := map[string]bool{}
	rows := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		row := map[string]string{
			"timestamp":         rec.Timestamp.UTC().Format(time.RFC3339),
			"source":            rec.Source,
			"PatientID":         rec.PatientID,
			"AccessionNumber":   rec.AccessionNumber,
			"StudyID":           rec.StudyID,
			"StudyInstanceUID":  rec.StudyInstanceUID,
			"SeriesInstanceUID": rec.SeriesInstanceUID,
			"apiVersion":        rec.APIVersion,
			"modelName":         rec.ModelName,
			"modelVersion":      rec.ModelVersion,
			"runId":             rec.RunID,
		}
		cells, err := flatten(rec.Predictions)
		if err != nil {
			return fmt.Errorf("WriteCSV: %s/%s: %w", rec.StudyInstanceUID, rec.SeriesInstanceUID, err)
		}
		for _, c := range cells {
			if !seen[c.key] {
				seen[c.key] = true
				predCols = append(predCols, c.key)
			}
			row[c.key] = c.value
		}
		rows = append(rows, row)
	}

	header := append(append([]string(nil), baseColumns...), predCols...)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	line := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			line[i] = row[col]
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV is WriteCSV over the ledger's current contents.
func (l *Ledger) CSV() ([]byte, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flatten(raw json.RawMessage) ([]cell, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '{':
		return flattenObject(raw)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		if first := bytes.TrimSpace(items[0]); len(first) > 0 && first[0] == '[' {
			return flatten(first)
		}
		out := make([]cell, len(items))
		for i, it := range items {
			out[i] = cell{key: "Year " + strconv.Itoa(i+1), value: scalar(it)}
		}
		return out, nil
	}
	return []cell{{key: "predictions", value: scalar(raw)}}, nil
}

func flattenObject(raw json.RawMessage) ([]cell, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var out []cell
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, cell{key: key, value: scalar(v)})
	}
	return out, nil
}

// scalar renders a JSON value for a CSV cell: strings unquoted, numbers as
// written, anything else as compact JSON.
func scalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	if bytes.Equal(v, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}
