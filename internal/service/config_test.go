package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/service"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	// can't be parallel as touches the environment
	t.Setenv("BATCHRUN_STORE_DRIVER", "postgres")
	t.Setenv("BATCHRUN_STORE_DSN", "postgres://batchrun@db/batchrun")
	t.Setenv("BATCHRUN_SERVICE_LISTEN", "127.0.0.1:9090")
	t.Setenv("BATCHRUN_LOGS_DIR", "/var/log/batchrun")
	t.Setenv("BATCHRUN_NOTIFY_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("BATCHRUN_ARCHIVE_S3_ACCESS_KEY", "batchrun")
	t.Setenv("BATCHRUN_ARCHIVE_S3_SECRET_KEY", "batchrun-secret")

	cfg := model.DefaultConfig()
	require.NoError(t, service.ApplyEnv(&cfg))
	require.Equal(t, model.StorePostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://batchrun@db/batchrun", cfg.Store.DSN)
	require.Equal(t, 9090, cfg.Service.Listen.Port)
	require.Equal(t, "/var/log/batchrun", cfg.Logs.Dir)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Notify.Kafka.Brokers)
	require.Equal(t, "batchrun", cfg.Archive.S3.AccessKey)
	require.Equal(t, "batchrun-secret", cfg.Archive.S3.SecretKey)
}

func TestApplyEnv_Unset(t *testing.T) {
	for _, env := range []string{
		"BATCHRUN_STORE_DRIVER",
		"BATCHRUN_STORE_DSN",
		"BATCHRUN_SERVICE_LISTEN",
		"BATCHRUN_LOGS_DIR",
		"BATCHRUN_NOTIFY_KAFKA_BROKERS",
		"BATCHRUN_ARCHIVE_S3_ACCESS_KEY",
		"BATCHRUN_ARCHIVE_S3_SECRET_KEY",
	} {
		t.Setenv(env, "")
	}
	cfg := model.DefaultConfig()
	require.NoError(t, service.ApplyEnv(&cfg))
	require.Equal(t, model.DefaultConfig(), cfg)
}

func TestApplyEnv_Fail(t *testing.T) {
	t.Setenv("BATCHRUN_STORE_DRIVER", "mysql")
	cfg := model.DefaultConfig()
	require.Error(t, service.ApplyEnv(&cfg))

	t.Setenv("BATCHRUN_STORE_DRIVER", "")
	t.Setenv("BATCHRUN_SERVICE_LISTEN", "127.0.0.1:port")
	cfg = model.DefaultConfig()
	require.Error(t, service.ApplyEnv(&cfg))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BATCHRUN_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("BATCHRUN_TEST_DOTENV") })

	service.LoadDotEnv(path)
	require.Equal(t, "loaded", os.Getenv("BATCHRUN_TEST_DOTENV"))

	// missing files are ignored
	service.LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}

func TestDSN(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Store
		then     string
	}{
		{"sqlite default", model.Store{Driver: model.StoreSQLite}, filepath.Join("/data", service.DBFile)},
		{"empty driver", model.Store{}, filepath.Join("/data", service.DBFile)},
		{"sqlite path", model.Store{Driver: model.StoreSQLite, DSN: "/tmp/runs.db"}, "/tmp/runs.db"},
		{"postgres", model.Store{Driver: model.StorePostgres, DSN: "postgres://db"}, "postgres://db"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, service.DSN(tc.given, "/data"))
		})
	}
}
