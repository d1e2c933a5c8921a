// Package ledger is the append-only score log: one JSON record per line,
// with a CSV projection for spreadsheets.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/predictor"
)

// Sources recorded in Record.Source.
const (
	SourceArchive = "orthanc"
	SourceUpload  = "upload"
	SourceStore   = "store"
)

// Record is one processed case.
type Record struct {
	Timestamp         time.Time       `json:"timestamp"`
	Source            string          `json:"source"`
	PatientID         string          `json:"PatientID,omitempty"`
	AccessionNumber   string          `json:"AccessionNumber,omitempty"`
	StudyID           string          `json:"StudyID,omitempty"`
	StudyInstanceUID  string          `json:"StudyInstanceUID,omitempty"`
	SeriesInstanceUID string          `json:"SeriesInstanceUID,omitempty"`
	Predictions       json.RawMessage `json:"predictions"`
	APIVersion        string          `json:"apiVersion,omitempty"`
	ModelName         string          `json:"modelName,omitempty"`
	ModelVersion      string          `json:"modelVersion,omitempty"`
	RunID             string          `json:"runId,omitempty"`
}

// NewRecord copies identifiers from the series template and the model
// output into a Record.
func NewRecord(source string, tags dicomobj.Tags, info predictor.Info, res *predictor.Result, now time.Time) Record {
	return Record{
		Timestamp:         now.UTC(),
		Source:            source,
		PatientID:         tags.PatientID,
		AccessionNumber:   tags.AccessionNumber,
		StudyID:           tags.StudyID,
		StudyInstanceUID:  tags.StudyInstanceUID,
		SeriesInstanceUID: tags.SeriesInstanceUID,
		Predictions:       res.Predictions(),
		APIVersion:        info.APIVersion,
		ModelName:         info.Name,
		ModelVersion:      info.Version,
	}
}

// Ledger appends records to a JSONL file. A nil *Ledger discards appends,
// which is how saving is switched off.
type Ledger struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open creates path and its directory if needed and opens it for append.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger.Open: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger.Open: %w", err)
	}
	return &Ledger{path: path, f: f}, nil
}

// Path returns the JSONL file path, or "" for a nil ledger.
func (l *Ledger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes rec as one line.
func (l *Ledger) Append(rec Record) error {
	if l == nil {
		return nil
	}
	if len(rec.Predictions) == 0 {
		rec.Predictions = json.RawMessage("null")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger.Append: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(b); err != nil {
		return fmt.Errorf("ledger.Append: %w", err)
	}
	return nil
}

// Close closes the file.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Records reads every record currently in the file.
func (l *Ledger) Records() ([]Record, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("ledger.Records: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}

// ReadRecords parses a JSONL stream. A line that does not decode (for
// example a torn final write) is logged and skipped.
func ReadRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var out []Record
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var rec Record
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				log.Printf("ReadRecords: line %d: %v", n, uerr)
			} else {
				out = append(out, rec)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("ReadRecords: %w", err)
		}
	}
}
