package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/reginabarzilaygroup/ark/imagepipe"
	"github.com/reginabarzilaygroup/ark/poller"
	"github.com/reginabarzilaygroup/ark/predictor"
)

// Config holds service configuration. Values come from defaults, then the
// optional YAML file named by ARK_CONFIG, then environment variables.
type Config struct {
	Addr      string `yaml:"addr"`
	ProjectID string `yaml:"project_id"`
	LogLevel  string `yaml:"log_level"`
	DevBearer string `yaml:"-"`
	// AuthEnabled requires a Firebase ID token (or DevBearer) on upload routes.
	AuthEnabled bool   `yaml:"auth_enabled"`
	CORSOrigin  string `yaml:"cors_origin"`

	Model          predictor.Config `yaml:"model"`
	Modality       string           `yaml:"modality"`
	PredictTimeout time.Duration    `yaml:"predict_timeout"`
	// UsePipeline feeds the model a normalized tensor; off when the model
	// reads raw instances.
	UsePipeline bool             `yaml:"use_pipeline"`
	Pipeline    imagepipe.Config `yaml:"pipeline"`
	MaxUpload   int64            `yaml:"max_upload_bytes"`

	SaveScores   bool   `yaml:"save_scores"`
	ScoresPath   string `yaml:"scores_path"`
	ExportBucket string `yaml:"export_bucket"`
	ExportPrefix string `yaml:"export_prefix"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures the change-feed poller and report write-back.
type ArchiveConfig struct {
	Enabled           bool           `yaml:"enabled"`
	Host              string         `yaml:"host"`
	HTTPPort          int            `yaml:"http_port"`
	Username          string         `yaml:"username"`
	Password          string         `yaml:"-"`
	CredentialsSecret string         `yaml:"credentials_secret"`
	Granularity       string         `yaml:"granularity"`
	PollingInterval   time.Duration  `yaml:"polling_interval"`
	DeleteAfter       bool           `yaml:"delete_after_processing"`
	PageLimit         int            `yaml:"page_limit"`
	Workers           int            `yaml:"workers"`
	MinInstances      map[string]int `yaml:"min_instances"`
	StartupAttempts   int            `yaml:"startup_attempts"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`

	// CursorBackend is file, redis or firestore.
	CursorBackend       string `yaml:"cursor_backend"`
	CursorPath          string `yaml:"cursor_path"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisKey            string `yaml:"redis_key"`
	FirestoreDoc        string `yaml:"firestore_doc"`
	FirestoreCollection string `yaml:"firestore_collection"`

	// Transport is http, cstore or healthcare.
	Transport           string `yaml:"transport"`
	StoreAddr           string `yaml:"store_addr"`
	CallingAE           string `yaml:"calling_ae"`
	CalledAE            string `yaml:"called_ae"`
	HealthcareLocation  string `yaml:"healthcare_location"`
	HealthcareDatasetID string `yaml:"healthcare_dataset"`
	HealthcareStoreID   string `yaml:"healthcare_store"`

	RetryDB     string `yaml:"retry_db"`
	MaxAttempts int    `yaml:"max_attempts"`
	DedupeDBURL string `yaml:"-"`
}

// BaseURL is the archive REST root.
func (a ArchiveConfig) BaseURL() string {
	host := a.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return fmt.Sprintf("%s:%d", host, a.HTTPPort)
}

// PollerConfig maps archive settings onto the poller.
func (c Config) PollerConfig() poller.Config {
	return poller.Config{
		Granularity:           poller.Granularity(c.Archive.Granularity),
		Modality:              c.Modality,
		MinInstances:          c.Archive.MinInstances,
		PageLimit:             c.Archive.PageLimit,
		Interval:              c.Archive.PollingInterval,
		DeleteAfterProcessing: c.Archive.DeleteAfter,
		Workers:               c.Archive.Workers,
		StartupAttempts:       c.Archive.StartupAttempts,
	}
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Addr:           ":5000",
		ProjectID:      "ark-1",
		LogLevel:       "INFO",
		CORSOrigin:     "*",
		Model:          predictor.Config{Name: "mirai"},
		PredictTimeout: 10 * time.Minute,
		UsePipeline:    true,
		MaxUpload:      2 << 30,
		SaveScores:     true,
		ScoresPath:     filepath.Join(home, ".ark", "all_scores.jsonl"),
		ExportPrefix:   "ark-scores",
		Archive: ArchiveConfig{
			Host:                "localhost",
			HTTPPort:            8042,
			Username:            "ark",
			Password:            "ark",
			Granularity:         "series",
			PollingInterval:     60 * time.Second,
			DeleteAfter:         true,
			PageLimit:           100,
			Workers:             1,
			MinInstances:        poller.DefaultMinInstances(),
			StartupAttempts:     5,
			RequestTimeout:      60 * time.Second,
			CursorBackend:       "file",
			CursorPath:          ".processed_dict.json",
			FirestoreCollection: "ark_state",
			FirestoreDoc:        "change_cursor",
			Transport:           "http",
			CallingAE:           "ARK",
			CalledAE:            "ORTHANC",
			HealthcareLocation:  "us-central1",
			MaxAttempts:         5,
		},
	}
}

// LoadConfig reads .env (if present), the YAML overlay and environment
// variables. Archive credentials may come from Secret Manager.
func LoadConfig(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("LoadConfig: .env: %v", err)
	}

	cfg := defaultConfig()
	if path := os.Getenv("ARK_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("LoadConfig: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("LoadConfig: %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.Archive.CredentialsSecret != "" {
		if user, pass := loadArchiveCreds(ctx, cfg.ProjectID, cfg.Archive.CredentialsSecret); user != "" {
			cfg.Archive.Username, cfg.Archive.Password = user, pass
		}
	}

	if cfg.Modality == "" {
		cfg.Modality = modalityForModel(cfg.Model.Name)
	}
	if cfg.Pipeline.Rows == 0 {
		if cfg.Modality == "MG" {
			cfg.Pipeline = imagepipe.MammographyConfig()
		} else {
			cfg.Pipeline = imagepipe.CTConfig()
		}
	}
	if cfg.Model.Kind == "" {
		switch {
		case cfg.Model.URL != "":
			cfg.Model.Kind = predictor.KindHTTP
		case len(cfg.Model.Command) > 0:
			cfg.Model.Kind = predictor.KindSubprocess
		default:
			cfg.Model.Kind = predictor.KindEmpty
		}
	}
	cfg.Archive.Granularity = normalizeGranularity(cfg.Archive.Granularity)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = n
		}
	}
	// seconds, as plain numbers, or Go durations
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = time.Duration(n * float64(time.Second))
				return
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = d
		}
	}

	if p := os.Getenv("PORT"); p != "" {
		cfg.Addr = ":" + p
	}
	str("ARK_ADDR", &cfg.Addr)
	str("ARK_PROJECT_ID", &cfg.ProjectID)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("AUTH_DEV_BEARER", &cfg.DevBearer)
	boolean("ARK_AUTH_ENABLED", &cfg.AuthEnabled)
	str("CORS_ALLOWED_ORIGIN", &cfg.CORSOrigin)

	str("ARK_MODEL", &cfg.Model.Name)
	str("ARK_MODEL_VERSION", &cfg.Model.Version)
	if v := os.Getenv("ARK_PREDICTOR"); v != "" {
		cfg.Model.Kind = predictor.Kind(v)
	}
	str("ARK_PREDICTOR_URL", &cfg.Model.URL)
	if v := os.Getenv("ARK_PREDICTOR_COMMAND"); v != "" {
		cfg.Model.Command = strings.Fields(v)
	}
	boolean("ARK_PREDICTOR_CONCURRENT", &cfg.Model.Concurrent)
	boolean("ARK_PREDICTOR_SEND_INSTANCES", &cfg.Model.SendInstances)
	str("ARK_MODALITY", &cfg.Modality)
	duration("ARK_PREDICT_TIMEOUT", &cfg.PredictTimeout)
	boolean("ARK_USE_PIPELINE", &cfg.UsePipeline)

	boolean("ARK_SAVE_SCORES", &cfg.SaveScores)
	str("ARK_SAVE_SCORES_PATH", &cfg.ScoresPath)
	str("ARK_EXPORT_BUCKET", &cfg.ExportBucket)
	str("ARK_EXPORT_PREFIX", &cfg.ExportPrefix)

	a := &cfg.Archive
	if v := os.Getenv("ORTHANC_HOST"); v != "" {
		a.Host = v
		a.Enabled = true
	}
	boolean("ARK_POLL_ARCHIVE", &a.Enabled)
	integer("ORTHANC_HTTP_PORT", &a.HTTPPort)
	str("ORTHANC_USERNAME", &a.Username)
	str("ORTHANC_PASSWORD", &a.Password)
	str("ORTHANC_CREDENTIALS_SECRET", &a.CredentialsSecret)
	str("ORTHANC_CHANGE_TYPE", &a.Granularity)
	duration("ORTHANC_POLLING_INTERVAL", &a.PollingInterval)
	boolean("ORTHANC_NO_STORE_IMAGES", &a.DeleteAfter)
	integer("ORTHANC_PAGE_LIMIT", &a.PageLimit)
	integer("ARK_POLL_WORKERS", &a.Workers)
	integer("ORTHANC_STARTUP_ATTEMPTS", &a.StartupAttempts)
	str("ARK_CURSOR_BACKEND", &a.CursorBackend)
	str("PROCESSED_DICT_PATH", &a.CursorPath)
	str("ARK_REDIS_ADDR", &a.RedisAddr)
	str("ARK_REDIS_KEY", &a.RedisKey)
	str("ARK_REPORT_TRANSPORT", &a.Transport)
	str("ARK_STORE_ADDR", &a.StoreAddr)
	str("ARK_CALLING_AE", &a.CallingAE)
	str("ARK_CALLED_AE", &a.CalledAE)
	str("ARK_HEALTHCARE_LOCATION", &a.HealthcareLocation)
	str("ARK_HEALTHCARE_DATASET", &a.HealthcareDatasetID)
	str("ARK_HEALTHCARE_DICOM_STORE", &a.HealthcareStoreID)
	str("ARK_RETRY_DB", &a.RetryDB)
	integer("ARK_MAX_ATTEMPTS", &a.MaxAttempts)
	str("ARK_DEDUPE_DATABASE_URL", &a.DedupeDBURL)

	if len(errs) > 0 {
		return fmt.Errorf("LoadConfig: %s", strings.Join(errs, "; "))
	}
	return nil
}

// modalityForModel maps the model name to the modality it scores.
func modalityForModel(name string) string {
	if strings.EqualFold(name, "mirai") {
		return "MG"
	}
	return "CT"
}

func normalizeGranularity(g string) string {
	if strings.EqualFold(g, "study") {
		return string(poller.GranularityStudy)
	}
	return string(poller.GranularitySeries)
}

// archiveCreds is the JSON stored in the archive credentials secret.
type archiveCreds struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loadArchiveCreds reads archive credentials from Google Secret Manager.
// Failures are logged and the configured credentials stay in place.
func loadArchiveCreds(ctx context.Context, projectID, secretID string) (string, string) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		log.Printf("loadArchiveCreds: failed to init Secret Manager client: %v", err)
		return "", ""
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("loadArchiveCreds: error closing Secret Manager client: %v", err)
		}
	}()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		log.Printf("loadArchiveCreds: AccessSecretVersion failed for %s: %v", name, err)
		return "", ""
	}
	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		log.Printf("loadArchiveCreds: secret %s has empty payload", name)
		return "", ""
	}

	var creds archiveCreds
	if err := json.Unmarshal(resp.Payload.Data, &creds); err != nil {
		log.Printf("loadArchiveCreds: failed to unmarshal credentials JSON: %v", err)
		return "", ""
	}
	if creds.Username == "" {
		log.Printf("loadArchiveCreds: missing username in secret %s", name)
		return "", ""
	}
	return creds.Username, creds.Password
}
