package service

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/batchui/batchrun/internal/model"
)

const DBFile = "batchrun.db"

// envKeys maps config keys to the environment variables overriding them.
var envKeys = map[string]string{
	"store.driver":          "BATCHRUN_STORE_DRIVER",
	"store.dsn":             "BATCHRUN_STORE_DSN",
	"service.listen":        "BATCHRUN_SERVICE_LISTEN",
	"logs.dir":              "BATCHRUN_LOGS_DIR",
	"notify.kafka.brokers":  "BATCHRUN_NOTIFY_KAFKA_BROKERS",
	"archive.s3.access_key": "BATCHRUN_ARCHIVE_S3_ACCESS_KEY",
	"archive.s3.secret_key": "BATCHRUN_ARCHIVE_S3_SECRET_KEY",
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored,
// variables already set win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// ApplyEnv overrides cfg with the BATCHRUN_* environment variables.
func ApplyEnv(cfg *model.Config) error {
	v := viper.New()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if s := v.GetString("store.driver"); s != "" {
		cfg.Store.Driver = s
	}
	if s := v.GetString("store.dsn"); s != "" {
		cfg.Store.DSN = s
	}
	if s := v.GetString("service.listen"); s != "" {
		if err := cfg.Service.Listen.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("%s: %w", envKeys["service.listen"], err)
		}
	}
	if s := v.GetString("logs.dir"); s != "" {
		cfg.Logs.Dir = s
	}
	if s := v.GetString("notify.kafka.brokers"); s != "" {
		cfg.Notify.Kafka.Brokers = strings.Split(s, ",")
	}
	if s := v.GetString("archive.s3.access_key"); s != "" {
		cfg.Archive.S3.AccessKey = s
	}
	if s := v.GetString("archive.s3.secret_key"); s != "" {
		cfg.Archive.S3.SecretKey = s
	}

	switch cfg.Store.Driver {
	case "", model.StoreSQLite, model.StorePostgres:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	return nil
}

// DSN returns the store connection string. An empty sqlite DSN means
// batchrun.db in dataDir.
func DSN(cfg model.Store, dataDir string) string {
	if cfg.DSN == "" && (cfg.Driver == "" || cfg.Driver == model.StoreSQLite) {
		return filepath.Join(dataDir, DBFile)
	}
	return cfg.DSN
}
