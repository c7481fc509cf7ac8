// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":8765"
storage:
  staging_dir: /tmp/staging
  downloads_dir: /tmp/downloads
downstream:
  url: http://store.local/api/upload
  token: secret
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if cfg.Downstream.Backend != "http" {
		t.Errorf("expected default backend http, got %q", cfg.Downstream.Backend)
	}
	if cfg.Transfer.MaxFrameRaw != 8*1024*1024 {
		t.Errorf("expected default max frame 8mb, got %d", cfg.Transfer.MaxFrameRaw)
	}
	if cfg.Transfer.SessionTTL != 24*time.Hour {
		t.Errorf("expected default session ttl 24h, got %v", cfg.Transfer.SessionTTL)
	}
	if cfg.Transfer.CleanupSchedule != "*/10 * * * *" {
		t.Errorf("unexpected cleanup schedule %q", cfg.Transfer.CleanupSchedule)
	}
	if cfg.Download.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout 10s, got %v", cfg.Download.ConnectTimeout)
	}
	if cfg.Catalog.Driver != "none" {
		t.Errorf("expected default catalog driver none, got %q", cfg.Catalog.Driver)
	}
	if cfg.Catalog.Owner != "anonymous" {
		t.Errorf("expected default owner anonymous, got %q", cfg.Catalog.Owner)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS should be disabled when no certs are configured")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing listen", `
storage: {staging_dir: /a, downloads_dir: /b}
downstream: {url: http://x}
`},
		{"missing staging dir", `
server: {listen: ":1"}
storage: {downloads_dir: /b}
downstream: {url: http://x}
`},
		{"missing downstream url", `
server: {listen: ":1"}
storage: {staging_dir: /a, downloads_dir: /b}
`},
		{"cert without key", `
server: {listen: ":1"}
tls: {cert_file: /c.pem}
storage: {staging_dir: /a, downloads_dir: /b}
downstream: {url: http://x}
`},
		{"s3 without bucket", `
server: {listen: ":1"}
storage: {staging_dir: /a, downloads_dir: /b}
downstream: {backend: s3}
`},
		{"sqlite without dsn", `
server: {listen: ":1"}
storage: {staging_dir: /a, downloads_dir: /b}
downstream: {url: http://x}
catalog: {driver: sqlite}
`},
		{"max frame too small", `
server: {listen: ":1"}
storage: {staging_dir: /a, downloads_dir: /b}
downstream: {url: http://x}
transfer: {max_frame: 4kb}
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := LoadServerConfig(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"8mb", 8 * 1024 * 1024, false},
		{"256KB", 256 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"512b", 512, false},
		{"1024", 1024, false},
		{" 2mb ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"12xb", 0, true},
	}

	for _, tc := range tests {
		got, err := ParseByteSize(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestLoadClientConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  url: ws://localhost:8765/ws
transfer:
  chunk_size: 256kb
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Transfer.ChunkSizeRaw != 256*1024 {
		t.Errorf("expected chunk size 256kb, got %d", cfg.Transfer.ChunkSizeRaw)
	}
	if cfg.Transfer.Concurrency != 3 {
		t.Errorf("expected default concurrency 3, got %d", cfg.Transfer.Concurrency)
	}
}
