package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/reginabarzilaygroup/ark/cursor"
	"github.com/reginabarzilaygroup/ark/dedupe"
	"github.com/reginabarzilaygroup/ark/dicomweb"
	"github.com/reginabarzilaygroup/ark/imagepipe"
	"github.com/reginabarzilaygroup/ark/ingest"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/orthanc"
	"github.com/reginabarzilaygroup/ark/poller"
	"github.com/reginabarzilaygroup/ark/predictor"
	"github.com/reginabarzilaygroup/ark/report"
	"github.com/reginabarzilaygroup/ark/retry"
	"github.com/reginabarzilaygroup/ark/scoring"
)

// resources are the long-lived objects built once at startup.
type resources struct {
	handlers *Handlers
	poller   *poller.Poller
	registry *prometheus.Registry
	closers  []func() error
}

func (r *resources) onClose(f func() error) { r.closers = append(r.closers, f) }

// Close releases resources in reverse order of creation.
func (r *resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildResources(ctx context.Context, cfg Config) (res *resources, err error) {
	res = &resources{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			if cerr := res.Close(); cerr != nil {
				log.Printf("buildResources: cleanup: %v", cerr)
			}
		}
	}()

	model, err := predictor.New(cfg.Model)
	if err != nil {
		return res, err
	}
	guard := predictor.NewGuard(model)
	res.onClose(guard.Close)

	var pipe *imagepipe.Pipeline
	if cfg.UsePipeline {
		if pipe, err = imagepipe.New(cfg.Pipeline); err != nil {
			return res, fmt.Errorf("image pipeline: %w", err)
		}
	}
	scorer := scoring.New(pipe, guard, cfg.PredictTimeout)
	log.Printf("buildResources: model %s (%s) for modality %s", model.Info().Name, cfg.Model.Kind, cfg.Modality)

	var led *ledger.Ledger
	if cfg.SaveScores {
		if led, err = ledger.Open(cfg.ScoresPath); err != nil {
			return res, err
		}
		res.onClose(led.Close)
	}

	var exporter *ledger.Exporter
	if cfg.ExportBucket != "" {
		st, err := storage.NewClient(ctx)
		if err != nil {
			return res, fmt.Errorf("failed to init GCS storage client: %w", err)
		}
		res.onClose(st.Close)
		exporter = ledger.NewExporter(st, cfg.ExportBucket, cfg.ExportPrefix)
	}

	var authn *Authenticator
	if cfg.AuthEnabled {
		var verifier TokenVerifier
		client, err := NewFirebaseVerifier(ctx, cfg.ProjectID)
		if err != nil {
			if cfg.DevBearer == "" {
				return res, err
			}
			log.Printf("buildResources: %v; only the dev bearer will be accepted", err)
		} else {
			verifier = client
		}
		authn = NewAuthenticator(verifier, cfg.DevBearer)
	}

	res.handlers = &Handlers{
		Cfg:      cfg,
		Scorer:   scorer,
		Adapter:  ingest.NewAdapter(ingest.DefaultModalities),
		Ledger:   led,
		Exporter: exporter,
		Auth:     authn,
		Requests: newRequestCounter(res.registry),
	}

	if cfg.Archive.Enabled {
		if res.poller, err = buildPoller(ctx, cfg, res, scorer, led); err != nil {
			return res, err
		}
		res.handlers.Poller = res.poller
	}
	return res, nil
}

func buildPoller(ctx context.Context, cfg Config, res *resources, scorer *scoring.Scorer, led *ledger.Ledger) (*poller.Poller, error) {
	a := cfg.Archive
	archive := orthanc.NewClient(a.BaseURL(), a.Username, a.Password, a.RequestTimeout)

	store, err := buildCursorStore(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	cur, err := cursor.Open(ctx, store)
	if err != nil {
		return nil, err
	}

	tx, err := buildTransmitter(ctx, cfg, archive)
	if err != nil {
		return nil, err
	}

	retryStore := retry.Store(retry.NewMemoryStore())
	if a.RetryDB != "" {
		gs, err := retry.OpenSQLite(a.RetryDB)
		if err != nil {
			return nil, err
		}
		res.onClose(gs.Close)
		retryStore = gs
	}

	var reg dedupe.Registry = dedupe.NewMemory()
	if a.DedupeDBURL != "" {
		pg, err := dedupe.OpenPostgres(ctx, a.DedupeDBURL)
		if err != nil {
			return nil, err
		}
		res.onClose(pg.Close)
		reg = pg
	}

	log.Printf("buildPoller: archive %s, cursor %s at %d, reports via %s", archive.BaseURL(), a.CursorBackend, cur.Last(), tx.Name())
	return poller.New(cfg.PollerConfig(), poller.Deps{
		Archive:     archive,
		Cursor:      cur,
		Scorer:      scorer,
		Transmitter: tx,
		Ledger:      led,
		Retries:     retry.NewRegistry(retryStore, a.MaxAttempts),
		Dedupe:      reg,
		Metrics:     poller.NewMetrics(res.registry),
	})
}

func buildCursorStore(ctx context.Context, cfg Config, res *resources) (cursor.Store, error) {
	a := cfg.Archive
	switch a.CursorBackend {
	case "", "file":
		return cursor.NewFileStore(a.CursorPath), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.RedisAddr})
		res.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", a.RedisAddr, err)
		}
		return cursor.NewRedisStore(client, a.RedisKey)
	case "firestore":
		fs, err := cursor.NewFirestoreStore(ctx, cfg.ProjectID, a.FirestoreCollection, a.FirestoreDoc)
		if err != nil {
			return nil, err
		}
		res.onClose(fs.Close)
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", a.CursorBackend)
	}
}

func buildTransmitter(ctx context.Context, cfg Config, archive *orthanc.Client) (report.Transmitter, error) {
	a := cfg.Archive
	switch a.Transport {
	case "", "http":
		return report.NewHTTPTransmitter(archive), nil
	case "cstore":
		if a.StoreAddr == "" {
			return nil, fmt.Errorf("cstore transport requires ARK_STORE_ADDR")
		}
		return report.NewStoreTransmitter(a.StoreAddr, a.CallingAE, a.CalledAE), nil
	case "healthcare":
		dw, err := dicomweb.NewClient(ctx, cfg.ProjectID, a.HealthcareLocation, a.HealthcareDatasetID, a.HealthcareStoreID)
		if err != nil {
			return nil, fmt.Errorf("failed to init DICOMweb client: %w", err)
		}
		return report.NewHealthcareTransmitter(dw, a.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("unknown report transport %q", a.Transport)
	}
}
