package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DICOMMediaType is the part content type accepted by store requests.
const DICOMMediaType = "application/dicom"

// ErrMissingBoundary rejects a store request whose Content-Type carries no
// boundary parameter.
var ErrMissingBoundary = errors.New("multipart boundary not found in content type")

var headerEnd = []byte("\r\n\r\n")

// Part is one retained body part of a store request.
type Part struct {
	Index   int
	Header  string
	Payload []byte
}

// Boundary extracts the boundary token from a Content-Type header value.
func Boundary(contentType string) (string, error) {
	lower := strings.ToLower(contentType)
	i := strings.Index(lower, "boundary=")
	if i < 0 {
		return "", ErrMissingBoundary
	}
	b := contentType[i+len("boundary="):]
	if j := strings.IndexByte(b, ';'); j >= 0 {
		b = b[:j]
	}
	b = strings.Trim(strings.TrimSpace(b), `"`)
	if b == "" {
		return "", ErrMissingBoundary
	}
	return b, nil
}

// ParseMultipart splits body on "--boundary" markers and returns the parts
// whose headers declare wantType. Each payload starts after the part's first
// blank line and has one trailing line ending removed. Parts are numbered
// from zero in body order. No matching part is not an error.
func ParseMultipart(contentType string, body []byte, wantType string) ([]Part, error) {
	boundary, err := Boundary(contentType)
	if err != nil {
		return nil, fmt.Errorf("ParseMultipart: %w", err)
	}

	var parts []Part
	for _, seg := range bytes.Split(body, []byte("--"+boundary)) {
		end := bytes.Index(seg, headerEnd)
		if end < 0 {
			continue
		}
		header := string(seg[:end])
		if !strings.EqualFold(partContentType(header), wantType) {
			continue
		}
		parts = append(parts, Part{
			Index:   len(parts),
			Header:  strings.TrimSpace(header),
			Payload: trimLineEnding(seg[end+len(headerEnd):]),
		})
	}
	return parts, nil
}

// partContentType returns the media type of the Content-Type line in a raw
// header block, without parameters.
func partContentType(header string) string {
	for _, line := range strings.Split(header, "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-type") {
			continue
		}
		mt, _, _ := strings.Cut(value, ";")
		return strings.Trim(strings.TrimSpace(mt), `"`)
	}
	return ""
}

func trimLineEnding(b []byte) []byte {
	for _, suffix := range []string{"\r\n", "\n\r", "\r", "\n"} {
		if bytes.HasSuffix(b, []byte(suffix)) {
			return b[:len(b)-len(suffix)]
		}
	}
	return b
}
