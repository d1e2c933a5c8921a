package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/reginabarzilaygroup/ark/cursor"
	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/dicomweb"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/orthanc"
	"github.com/reginabarzilaygroup/ark/predictor"
	"github.com/reginabarzilaygroup/ark/report"
	"github.com/reginabarzilaygroup/ark/retry"
)

/*

 go run ./cmd/ark_tool -action=cursor -cursor=.processed_dict.json
 go run ./cmd/ark_tool -action=cursor -cursor=.processed_dict.json -set=1200

 go run ./cmd/ark_tool -action=csv -scores=$HOME/.ark/all_scores.jsonl > scores.csv

 go run ./cmd/ark_tool -action=encode -in=template.dcm \
 -scores-json='{"Year 1":0.02,"Year 2":0.04}' -model=mirai -out=report.dcm

 go run ./cmd/ark_tool -action=decode -in=report.dcm

 go run ./cmd/ark_tool -action=send -in=report.dcm -transport=http -archive=http://localhost:8042

 go run ./cmd/ark_tool -action=deadletters -retry-db=ark-retry.db
 go run ./cmd/ark_tool -action=requeue -retry-db=ark-retry.db -key=/series/abc

 go run ./cmd/ark_tool -action=retract -study=... -series=... -instance=...

*/

func main() {
	var (
		action     = flag.String("action", "decode", "action: cursor|csv|encode|decode|send|deadletters|requeue|retract")
		cursorPath = flag.String("cursor", ".processed_dict.json", "cursor file")
		setSeq     = flag.Int64("set", -1, "cursor: overwrite the stored sequence number")
		scoresPath = flag.String("scores", "", "ledger JSONL file for csv")
		in         = flag.String("in", "", "input DICOM file")
		out        = flag.String("out", "report.dcm", "output file for encode")
		scores     = flag.String("scores-json", "{}", "encode: predictions as a JSON object or list")
		model      = flag.String("model", "mirai", "encode: model name")
		version    = flag.String("model-version", "", "encode: model version")
		transport  = flag.String("transport", "http", "send: http|cstore|healthcare")
		archiveURL = flag.String("archive", "http://localhost:8042", "send: archive REST root")
		username   = flag.String("user", "ark", "send: archive username")
		password   = flag.String("password", "ark", "send: archive password")
		storeAddr  = flag.String("store-addr", "localhost:4242", "send: C-STORE host:port")
		callingAE  = flag.String("calling-ae", "ARK", "send: calling AE title")
		calledAE   = flag.String("called-ae", "ORTHANC", "send: called AE title")
		retryDB    = flag.String("retry-db", "ark-retry.db", "retry registry sqlite file")
		key        = flag.String("key", "", "requeue: resource path")
		studyUID   = flag.String("study", "", "retract: StudyInstanceUID")
		seriesUID  = flag.String("series", "", "retract: SeriesInstanceUID")
		instUID    = flag.String("instance", "", "retract: SOPInstanceUID")
		projectID  = flag.String("project", "ark-1", "GCP project ID")
		location   = flag.String("location", "us-central1", "Healthcare location")
		datasetID  = flag.String("dataset", "", "Healthcare dataset ID")
		storeID    = flag.String("store", "", "Healthcare DICOM store ID")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch *action {
	case "cursor":
		cur, err := cursor.Open(ctx, cursor.NewFileStore(*cursorPath))
		if err != nil {
			log.Fatalf("cursor.Open: %v", err)
		}
		if *setSeq >= 0 {
			if err := cur.Reset(ctx, *setSeq); err != nil {
				log.Fatalf("Reset: %v", err)
			}
		}
		fmt.Printf("%s: Last=%d\n", *cursorPath, cur.Last())

	case "csv":
		if *scoresPath == "" {
			log.Fatal("-scores is required")
		}
		f, err := os.Open(*scoresPath)
		if err != nil {
			log.Fatalf("open: %v", err)
		}
		defer f.Close()
		recs, err := ledger.ReadRecords(f)
		if err != nil {
			log.Fatalf("ReadRecords: %v", err)
		}
		if err := ledger.WriteCSV(os.Stdout, recs); err != nil {
			log.Fatalf("WriteCSV: %v", err)
		}

	case "encode":
		tmpl := mustParse(*in)
		res, err := predictor.ParsePredictions([]byte(*scores))
		if err != nil {
			log.Fatalf("ParsePredictions: %v", err)
		}
		info := predictor.Info{Name: *model, Version: *version, APIVersion: predictor.APIVersion}
		rpt, err := report.Encode(tmpl, info, res.Scores, time.Now())
		if err != nil {
			log.Fatalf("Encode: %v", err)
		}
		if err := os.WriteFile(*out, rpt.Bytes, 0o644); err != nil {
			log.Fatalf("write %s: %v", *out, err)
		}
		fmt.Printf("Wrote report %s to %s\n", rpt.SOPInstanceUID, *out)

	case "decode":
		dec, err := report.Decode(mustRead(*in))
		if err != nil {
			log.Fatalf("Decode: %v", err)
		}
		b, _ := json.MarshalIndent(dec, "", "  ")
		fmt.Println(string(b))

	case "send":
		data := mustRead(*in)
		dec, err := report.Decode(data)
		if err != nil {
			log.Fatalf("Decode: %v", err)
		}
		rpt := &report.Report{
			SOPInstanceUID:    dec.SOPInstanceUID,
			StudyInstanceUID:  dec.StudyInstanceUID,
			SeriesInstanceUID: dec.SeriesInstanceUID,
			Bytes:             data,
		}
		var tx report.Transmitter
		switch *transport {
		case "http":
			tx = report.NewHTTPTransmitter(orthanc.NewClient(*archiveURL, *username, *password, time.Minute))
		case "cstore":
			tx = report.NewStoreTransmitter(*storeAddr, *callingAE, *calledAE)
		case "healthcare":
			tx = report.NewHealthcareTransmitter(mustHealthcare(ctx, *projectID, *location, *datasetID, *storeID), time.Minute)
		default:
			log.Fatalf("unknown transport %q", *transport)
		}
		if err := tx.Transmit(ctx, rpt); err != nil {
			log.Fatalf("Transmit: %v", err)
		}
		fmt.Printf("Sent %s via %s\n", rpt.SOPInstanceUID, tx.Name())

	case "deadletters", "requeue":
		store, err := retry.OpenSQLite(*retryDB)
		if err != nil {
			log.Fatalf("OpenSQLite: %v", err)
		}
		defer store.Close()
		reg := retry.NewRegistry(store, 0)
		if *action == "requeue" {
			if *key == "" {
				log.Fatal("-key is required")
			}
			if err := reg.Requeue(ctx, *key); err != nil {
				log.Fatalf("Requeue: %v", err)
			}
			fmt.Printf("Requeued %s\n", *key)
			return
		}
		dead, err := reg.DeadLettered(ctx)
		if err != nil {
			log.Fatalf("DeadLettered: %v", err)
		}
		for _, e := range dead {
			fmt.Printf("%s\tseq=%d\tattempts=%d\t%s\n", e.Key, e.Seq, e.Attempts, e.LastError)
		}

	case "retract":
		dw := mustHealthcare(ctx, *projectID, *location, *datasetID, *storeID)
		if err := dw.DeleteInstance(ctx, *studyUID, *seriesUID, *instUID); err != nil {
			log.Fatalf("DeleteInstance: %v", err)
		}

	default:
		log.Fatalf("unknown action %q", *action)
	}
}

func mustRead(path string) []byte {
	if path == "" {
		log.Fatal("-in is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return b
}

func mustParse(path string) *dicomobj.ImageObject {
	obj, err := dicomobj.Parse(0, path, mustRead(path))
	if err != nil {
		log.Fatalf("Parse %s: %v", path, err)
	}
	return obj
}

func mustHealthcare(ctx context.Context, project, location, dataset, store string) *dicomweb.Client {
	dw, err := dicomweb.NewClient(ctx, project, location, dataset, store)
	if err != nil {
		log.Fatalf("NewClient: %v", err)
	}
	return dw
}
