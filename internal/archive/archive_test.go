package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-orchestrator/internal/config"
)

var executedAt = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func TestReportKey(t *testing.T) {
	assert.Equal(t, "reports/2026/10/01/1790845200000.json", ReportKey(executedAt))
	local := executedAt.In(time.FixedZone("UTC+9", 9*3600))
	assert.Equal(t, ReportKey(executedAt), ReportKey(local))
}

func TestLocalSave(t *testing.T) {
	dir := t.TempDir()
	a := NewWithUploader(&LocalUploader{BaseDir: dir})

	path, err := a.Save(context.Background(), executedAt, map[string]any{"processed": 2})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ReportKey(executedAt)), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"processed": 2}`, string(body))
}

func TestLocalUploaderStaysInBaseDir(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir}

	path, err := up.Upload(context.Background(), "../../escape.json", []byte("{}"), "application/json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.json"), path)
}

func TestNewSelectsBackend(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.IsType(t, &LocalUploader{}, a.up)
}

func TestS3Save(t *testing.T) {
	var gotPath, gotMethod, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	a := NewWithUploader(&S3Uploader{Client: client, Bucket: "reports-bucket"})

	loc, err := a.Save(context.Background(), executedAt, map[string]any{"message": "Processed 1 schedules"})
	require.NoError(t, err)
	assert.Equal(t, "s3://reports-bucket/"+ReportKey(executedAt), loc)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/reports-bucket/"+ReportKey(executedAt), gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Contains(t, string(gotBody), "Processed 1 schedules")
}
