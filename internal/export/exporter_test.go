package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/models"
)

func sampleVersion() models.PromptVersion {
	return models.PromptVersion{
		AgentType: "quick-letter",
		Iteration: 7,
		Prompt:    "Write a concise clinic letter.",
		Metrics:   models.Metrics{OverallScore: 81},
		Metadata:  map[string]any{models.MetaBackupSnapshot: true},
	}
}

func TestLocalExportWritesVersionDocument(t *testing.T) {
	dir := t.TempDir()
	exp := NewLocal(dir)

	loc, err := exp.Export(context.Background(), sampleVersion())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := filepath.Join(dir, "backups", "quick-letter", "v007.json")
	if loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var got models.PromptVersion
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if got.Prompt != "Write a concise clinic letter." || !got.IsBackup() {
		t.Fatalf("unexpected exported version: %+v", got)
	}
}

func TestLocalUploaderRejectsEscapingKeys(t *testing.T) {
	u := &localUploader{baseDir: t.TempDir()}
	if _, err := u.Upload(context.Background(), "../outside.json", []byte("{}"), "application/json"); err == nil {
		t.Fatalf("expected error for key escaping the export dir")
	}
}

func TestNewRequiresDestination(t *testing.T) {
	cfg := config.Defaults()
	if Configured(cfg) {
		t.Fatalf("defaults should not configure an export destination")
	}
	if _, err := New(context.Background(), cfg); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
	cfg.BackupExportDir = t.TempDir()
	if _, err := New(context.Background(), cfg); err != nil {
		t.Fatalf("local destination: %v", err)
	}
}

func TestS3ExportPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := config.Defaults()
	cfg.BackupS3Bucket = "prompt-backups"
	cfg.BackupS3Endpoint = srv.URL
	cfg.BackupS3PathStyle = true

	exp, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	loc, err := exp.Export(context.Background(), sampleVersion())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if loc != "s3://prompt-backups/backups/quick-letter/v007.json" {
		t.Fatalf("unexpected location %s", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || !strings.HasSuffix(path, "/prompt-backups/backups/quick-letter/v007.json") {
		t.Fatalf("unexpected request %s %s", method, path)
	}
}
