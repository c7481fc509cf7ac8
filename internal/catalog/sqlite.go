// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const filesSchema = `
CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	owner       TEXT    NOT NULL,
	temp_ref    TEXT,
	status      TEXT    NOT NULL DEFAULT 'uploading',
	final_path  TEXT,
	created_at  TEXT    NOT NULL DEFAULT (datetime('now')),
	updated_at  TEXT    NOT NULL DEFAULT (datetime('now'))
);
`

// SQLite implementa Catalog sobre um arquivo SQLite local.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite abre (e cria, se preciso) o banco do catálogo.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	// O driver serializa; conexões concorrentes só geram SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(filesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Register grava um novo arquivo e retorna o id gerado.
func (c *SQLite) Register(ctx context.Context, name string, size int64, owner, tempRef string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO files (name, size, owner, temp_ref) VALUES (?, ?, ?, ?)`,
		name, size, owner, tempRef)
	if err != nil {
		return 0, fmt.Errorf("registering file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading file id: %w", err)
	}
	return id, nil
}

// Update atualiza status e, quando informado, o caminho final do registro.
func (c *SQLite) Update(ctx context.Context, id int64, status, finalPath string) error {
	var err error
	if finalPath != "" {
		_, err = c.db.ExecContext(ctx,
			`UPDATE files SET status = ?, final_path = ?, updated_at = datetime('now') WHERE id = ?`,
			status, finalPath, id)
	} else {
		_, err = c.db.ExecContext(ctx,
			`UPDATE files SET status = ?, updated_at = datetime('now') WHERE id = ?`,
			status, id)
	}
	if err != nil {
		return fmt.Errorf("updating file %d: %w", id, err)
	}
	return nil
}

// Delete remove o registro do arquivo.
func (c *SQLite) Delete(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting file %d: %w", id, err)
	}
	return nil
}

// Close fecha o banco.
func (c *SQLite) Close() error {
	return c.db.Close()
}
