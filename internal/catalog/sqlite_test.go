// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/n-transfer/internal/config"
)

func openTestCatalog(t *testing.T) *SQLite {
	t.Helper()
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteRegisterUpdateDelete(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.Register(ctx, "a.bin", 1024, "anonymous", "/staging/f1_a.bin.part")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	if err := c.Update(ctx, id, "uploaded", "/staging/f1_a.bin"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var status, finalPath string
	row := c.db.QueryRow(`SELECT status, final_path FROM files WHERE id = ?`, id)
	if err := row.Scan(&status, &finalPath); err != nil {
		t.Fatalf("reading row back: %v", err)
	}
	if status != "uploaded" || finalPath != "/staging/f1_a.bin" {
		t.Errorf("row = %s / %s", status, finalPath)
	}

	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var n int
	c.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n)
	if n != 0 {
		t.Errorf("rows after delete = %d, want 0", n)
	}
}

func TestSQLiteUpdateWithoutFinalPath(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.Register(ctx, "b.bin", 10, "anonymous", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Update(ctx, id, "stopped", ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var status string
	var finalPath any
	c.db.QueryRow(`SELECT status, final_path FROM files WHERE id = ?`, id).Scan(&status, &finalPath)
	if status != "stopped" {
		t.Errorf("status = %s, want stopped", status)
	}
	if finalPath != nil {
		t.Errorf("final_path = %v, want NULL", finalPath)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	c, err := Open(config.CatalogConfig{Driver: "none"})
	if err != nil {
		t.Fatalf("Open(none): %v", err)
	}
	if _, ok := c.(Noop); !ok {
		t.Errorf("driver none must yield Noop, got %T", c)
	}

	dsn := filepath.Join(t.TempDir(), "cat.db")
	c2, err := Open(config.CatalogConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	c2.Close()

	if _, err := Open(config.CatalogConfig{Driver: "bogus"}); err == nil {
		t.Error("unknown driver must error")
	}
}
