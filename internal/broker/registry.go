// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrRetired sinaliza start para um fileId já finalizado nesta instância.
// FileIds não são reutilizáveis após completed ou stopped.
var ErrRetired = errors.New("file id already finalized")

// ErrFinalizing sinaliza start para uma sessão em completing/uploading.
var ErrFinalizing = errors.New("session is finalizing")

// ErrSessionFailed sinaliza start para uma sessão em error (stop primeiro).
var ErrSessionFailed = errors.New("session is in error state; stop it first")

// Registry é o mapeamento process-wide fileId → sessão de upload.
// Sessões removidas por transição terminal deixam um tombstone em retired.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession
	retired  map[string]struct{}
	stager   *Stager
}

// NewRegistry cria o registro de sessões.
func NewRegistry(stager *Stager) *Registry {
	return &Registry{
		sessions: make(map[string]*UploadSession),
		retired:  make(map[string]struct{}),
		stager:   stager,
	}
}

// GetOrCreate cria a sessão do fileId ou reanexa à existente. É idempotente:
// em uma sessão existente atualiza nome, tamanho e part path, e recarrega
// BytesReceived do tamanho real do part file em disco. Esta é a única
// reconciliação de offset com o disco; roda apenas no start, nunca
// mid-stream. Retorna a sessão e se foi criada agora.
func (r *Registry) GetOrCreate(fileID, fileName string, fileSize int64, folderID string) (*UploadSession, bool, error) {
	if err := validateFileID(fileID); err != nil {
		return nil, false, err
	}
	name, err := sanitizeFileName(fileName)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if _, gone := r.retired[fileID]; gone {
		r.mu.Unlock()
		return nil, false, ErrRetired
	}
	s, ok := r.sessions[fileID]
	if !ok {
		s = &UploadSession{
			FileID:   fileID,
			FolderID: folderID,
			Status:   StatusActive,
		}
		r.sessions[fileID] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		switch s.Status {
		case StatusCompleting, StatusUploading, StatusCompleted:
			// Nunca reabre um arquivo finalizado ou em finalização
			return nil, false, ErrFinalizing
		case StatusError:
			return nil, false, ErrSessionFailed
		}
		s.Status = StatusActive
	}

	s.FileName = name
	s.FileSize = fileSize
	s.PartPath = r.stager.PartPath(fileID, name)
	if folderID != "" {
		s.FolderID = folderID
	}

	size, err := PartSize(s.PartPath)
	if err != nil {
		return nil, false, fmt.Errorf("reconciling offset: %w", err)
	}
	s.BytesReceived = size
	s.Touch()

	return s, !ok, nil
}

// Get retorna a sessão do fileId, ou nil.
func (r *Registry) Get(fileID string) *UploadSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[fileID]
}

// Remove tira a sessão do registro e aposenta o fileId. Chamado apenas em
// transições terminais (completed após hand-off, stopped).
func (r *Registry) Remove(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, fileID)
	r.retired[fileID] = struct{}{}
}

// Drop tira a sessão do registro sem aposentar o fileId. Usado pelo reaper
// de sessões ociosas: o client pode reapresentar o mesmo fileId depois.
func (r *Registry) Drop(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, fileID)
}

// Len retorna o número de sessões vivas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupExpired remove sessões pausadas sem atividade há mais de ttl,
// apagando o part file. Sessões active, completing ou uploading nunca são
// colhidas. Retorna quantas sessões foram removidas.
func (r *Registry) CleanupExpired(ttl time.Duration, logger *slog.Logger) int {
	r.mu.Lock()
	candidates := make([]*UploadSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	removed := 0
	for _, s := range candidates {
		lastAct := time.Unix(0, s.LastActivity.Load())
		if time.Since(lastAct) < ttl {
			continue
		}

		s.mu.Lock()
		if s.Status != StatusPaused && s.Status != StatusError {
			s.mu.Unlock()
			continue
		}
		partPath := s.PartPath
		s.Status = StatusStopped
		s.mu.Unlock()

		if partPath != "" {
			if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
				logger.Warn("removing stale part file", "fileId", s.FileID, "error", err)
			}
		}
		r.Drop(s.FileID)
		removed++
		logger.Info("stale session reaped", "fileId", s.FileID, "idle", time.Since(lastAct).Round(time.Second).String())
	}
	return removed
}
