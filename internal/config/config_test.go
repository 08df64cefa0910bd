package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stevedore.yml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileParsesLocations(t *testing.T) {
	path := writeConfig(t, `
locations:
  - id: bucket
    kind: remote
    bucket: models
    endpoint: http://localhost:9000
    access_key: minio
    secret_key: minio123
    max_bytes: 1073741824
  - id: disk
    kind: local
    root: /srv/storage
    create_dirs: true
    max_files: 10000
transfer:
  concurrency: 4
  retry_attempts: 2
  retention: 30m
scan:
  max_pages: 8
  max_objects: 4000
  max_results: 200
  timeout: 5s
rate_limits:
  search:
    limit: 5
    window: 1m
  upload:
    limit: 100
    window: 1m
  transfer:
    limit: 20
    window: 1m
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(cfg.Locations) != 2 {
		t.Fatalf("locations = %d, want 2", len(cfg.Locations))
	}

	bucket := cfg.FindLocation("bucket")
	if bucket == nil {
		t.Fatal("FindLocation(bucket) = nil")
	}
	if bucket.Kind != KindRemote || bucket.Bucket != "models" || bucket.MaxBytes != 1<<30 {
		t.Errorf("bucket location = %+v", bucket)
	}
	// Region falls back when omitted.
	if bucket.Region != "us-east-1" {
		t.Errorf("region = %q, want default us-east-1", bucket.Region)
	}

	disk := cfg.FindLocation("disk")
	if disk == nil || disk.Root != "/srv/storage" || !disk.CreateDirs || disk.MaxFiles != 10000 {
		t.Errorf("disk location = %+v", disk)
	}

	if cfg.Transfer.Concurrency != 4 || cfg.Transfer.Retention.Std() != 30*time.Minute {
		t.Errorf("transfer = %+v", cfg.Transfer)
	}
	if cfg.Scan.MaxPages != 8 || cfg.Scan.Timeout.Std() != 5*time.Second {
		t.Errorf("scan = %+v", cfg.Scan)
	}
	if cfg.RateLimits.Search.Limit != 5 || cfg.RateLimits.Search.Window.Std() != time.Minute {
		t.Errorf("rate limits = %+v", cfg.RateLimits)
	}

	if cfg.FindLocation("ghost") != nil {
		t.Error("FindLocation(ghost) != nil")
	}
}

func TestLoadFileAppliesFloorDefaults(t *testing.T) {
	path := writeConfig(t, `
locations:
  - id: disk
    kind: local
    root: /srv/storage
transfer:
  concurrency: 0
scan:
  max_pages: 0
  timeout: 0
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Transfer.Concurrency != 2 {
		t.Errorf("concurrency = %d, want floored 2", cfg.Transfer.Concurrency)
	}
	if cfg.Scan.MaxPages != 5 || cfg.Scan.Timeout.Std() != 10*time.Second {
		t.Errorf("scan = %+v, want floored defaults", cfg.Scan)
	}
}

func TestValidateRejectsBadLocations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "locations: []\n", "at least one"},
		{"missing id", "locations:\n  - kind: local\n    root: /x\n", "id is required"},
		{"duplicate id", "locations:\n  - id: a\n    kind: local\n    root: /x\n  - id: a\n    kind: local\n    root: /y\n", "duplicate id"},
		{"unknown kind", "locations:\n  - id: a\n    kind: ftp\n    root: /x\n", "unknown kind"},
		{"remote without bucket", "locations:\n  - id: a\n    kind: remote\n", "bucket is required"},
		{"local without root", "locations:\n  - id: a\n    kind: local\n", "root is required"},
		{"negative quota", "locations:\n  - id: a\n    kind: local\n    root: /x\n    max_bytes: -1\n", "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("LoadFile succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDurationDecodesSecondsInteger(t *testing.T) {
	path := writeConfig(t, `
locations:
  - id: disk
    kind: local
    root: /x
scan:
  max_pages: 5
  max_objects: 2500
  max_results: 500
  timeout: 15
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Scan.Timeout.Std() != 15*time.Second {
		t.Errorf("timeout = %v, want 15s from bare integer", cfg.Scan.Timeout.Std())
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatal("LoadFile on missing file succeeded")
	}
}
