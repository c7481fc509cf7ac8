// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package catalog registra metadata de arquivos transferidos em um store
// externo. O broker só escreve: nunca lê metadata de volta.
package catalog

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-transfer/internal/config"
)

// Catalog é o collaborator de metadata do broker. Falhas de catálogo são
// logadas pelo chamador e nunca derrubam uma transferência.
type Catalog interface {
	// Register grava um arquivo recém-iniciado e retorna seu id.
	Register(ctx context.Context, name string, size int64, owner, tempRef string) (int64, error)
	// Update atualiza status (e opcionalmente o caminho final) de um registro.
	Update(ctx context.Context, id int64, status, finalPath string) error
	// Delete remove o registro.
	Delete(ctx context.Context, id int64) error
	Close() error
}

// Open constrói o catálogo configurado.
func Open(cfg config.CatalogConfig) (Catalog, error) {
	switch cfg.Driver {
	case "none":
		return Noop{}, nil
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.Driver)
	}
}

// Noop é o catálogo nulo (driver "none" e testes).
type Noop struct{}

func (Noop) Register(ctx context.Context, name string, size int64, owner, tempRef string) (int64, error) {
	return 0, nil
}

func (Noop) Update(ctx context.Context, id int64, status, finalPath string) error { return nil }

func (Noop) Delete(ctx context.Context, id int64) error { return nil }

func (Noop) Close() error { return nil }
