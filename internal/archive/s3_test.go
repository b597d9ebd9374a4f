package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/batchui/batchrun/internal/archive"
	"github.com/batchui/batchrun/internal/model"
)

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	_, ok := archive.ConfigFrom(model.S3{Bucket: "logs"})
	require.False(t, ok)

	cfg, ok := archive.ConfigFrom(model.S3{
		Endpoint:  " minio:9000 ",
		AccessKey: "batchrun",
		SecretKey: "secret",
		Prefix:    "/nightly/",
	})
	require.True(t, ok)
	require.Equal(t, archive.Config{
		Endpoint:  "minio:9000",
		Region:    archive.DefaultRegion,
		AccessKey: "batchrun",
		SecretKey: "secret",
		Bucket:    archive.DefaultBucket,
		Prefix:    "nightly",
	}, cfg)
}

func TestNewS3(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    archive.Config
	}{
		{"no endpoint", archive.Config{AccessKey: "a", SecretKey: "s", Bucket: "b"}},
		{"no credentials", archive.Config{Endpoint: "minio:9000", Bucket: "b"}},
		{"no bucket", archive.Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := archive.NewS3(tc.given)
			require.Error(t, err)
		})
	}

	s, err := archive.NewS3(archive.Config{
		Endpoint:  "minio:9000",
		AccessKey: "a",
		SecretKey: "s",
		Bucket:    "b",
		Prefix:    "nightly",
	})
	require.NoError(t, err)
	require.Equal(t, "nightly/backup/r1.log", s.Key(model.Run{ID: "r1", ScriptID: "backup"}))
}

func TestS3_MinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:RELEASE.2024-01-16T16-07-38Z",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "batchrun",
				"MINIO_ROOT_PASSWORD": "batchrun-secret",
			},
			Cmd: []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").
				WithPort("9000/tcp").
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	s, err := archive.NewS3(archive.Config{
		Endpoint:  endpoint,
		AccessKey: "batchrun",
		SecretKey: "batchrun-secret",
		Bucket:    "batchrun-logs",
	})
	require.NoError(t, err)

	dir := t.TempDir()
	run := model.Run{
		ID:       "0f3c2c55-5c1e-4df4-9a36-1f3a9b0d7c11",
		ScriptID: "backup",
		Status:   model.StatusCompleted,
		LogPath:  filepath.Join(dir, "backup.log"),
	}
	require.NoError(t, os.WriteFile(run.LogPath, []byte("copied 42 files\n"), 0o600))

	require.NoError(t, s.Archive(ctx, run))
	got, err := s.Fetch(ctx, run)
	require.NoError(t, err)
	require.Equal(t, "copied 42 files\n", string(got))

	// a missing log file is skipped
	require.NoError(t, s.Archive(ctx, model.Run{ID: "gone", ScriptID: "backup", LogPath: filepath.Join(dir, "gone.log")}))
	_, err = s.Fetch(ctx, model.Run{ID: "gone", ScriptID: "backup"})
	require.ErrorIs(t, err, archive.ErrNotFound)
}
