package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/reginabarzilaygroup/ark/ingest"
)

// Splits a saved store-request body into one .dcm file per
// application/dicom part.
//
//	go run ./cmd/extract_multipart \
//	 -in=testdata/upload.bin \
//	 -content-type='multipart/related; type="application/dicom"; boundary=...' \
//	 -out=testdata/parts
func main() {
	var (
		inPath      = flag.String("in", "", "raw request body (no HTTP headers)")
		contentType = flag.String("content-type", "", "Content-Type header value of the request")
		outDir      = flag.String("out", ".", "output directory")
		wantType    = flag.String("type", ingest.DICOMMediaType, "part media type to keep")
	)
	flag.Parse()

	if *inPath == "" || *contentType == "" {
		log.Fatal("-in and -content-type are required")
	}
	body, err := os.ReadFile(*inPath)
	if err != nil {
		log.Fatalf("read %s: %v", *inPath, err)
	}
	parts, err := ingest.ParseMultipart(*contentType, body, *wantType)
	if err != nil {
		log.Fatalf("ParseMultipart: %v", err)
	}
	if len(parts) == 0 {
		log.Fatalf("no %s parts found in %s", *wantType, *inPath)
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("mkdir %s: %v", *outDir, err)
	}

	for _, p := range parts {
		name := filepath.Join(*outDir, fmt.Sprintf("part-%03d.dcm", p.Index))
		if err := os.WriteFile(name, p.Payload, 0o644); err != nil {
			log.Fatalf("write %s: %v", name, err)
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(p.Payload), name)
	}
}
