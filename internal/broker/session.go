// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status é o estado de uma sessão de transferência.
type Status string

const (
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleting Status = "completing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// Terminal informa se o estado encerra a sessão.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// UploadSession rastreia um upload em andamento, identificado pelo fileId
// escolhido pelo client. A sessão sobrevive a desconexões: o registro a
// mantém até um stop ou um hand-off bem-sucedido.
//
// O mutex mu é o write lock da sessão: protege Status, BytesReceived e o
// part file. Escritas de chunk e o finalize são serializados por ele.
type UploadSession struct {
	FileID   string
	FolderID string

	mu            sync.Mutex
	FileName      string
	FileSize      int64
	Status        Status
	BytesReceived int64
	PartPath      string
	FinalPath     string
	RemoteFileID  string
	CatalogID     int64

	LastActivity atomic.Int64 // UnixNano do último I/O bem-sucedido

	// Log dedicado da transferência (nil quando session_log_dir não está
	// configurado). logClose fecha o arquivo no encerramento da sessão.
	log      *slog.Logger
	logClose io.Closer
}

// Touch registra atividade na sessão (usado pelo reaper de sessões ociosas).
func (s *UploadSession) Touch() {
	s.LastActivity.Store(time.Now().UnixNano())
}

// Logger retorna o log dedicado da sessão, ou base quando não há um.
func (s *UploadSession) Logger(base *slog.Logger) *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return base
}

// CloseLog fecha o arquivo de log dedicado, se houver.
func (s *UploadSession) CloseLog() {
	if s.logClose != nil {
		s.logClose.Close()
		s.logClose = nil
	}
}

// SnapshotStatus lê o status sob o write lock.
func (s *UploadSession) SnapshotStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// PauseIfActive rebaixa active → paused (usado no teardown de conexões).
// Retorna true se a transição ocorreu.
func (s *UploadSession) PauseIfActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != StatusActive {
		return false
	}
	s.Status = StatusPaused
	return true
}

// DownloadSession rastreia uma busca remota iniciada pelo client.
type DownloadSession struct {
	SessionID string
	URL       string
	Filename  string

	mu         sync.Mutex
	TotalSize  int64
	Downloaded int64
	Status     Status
	TempPath   string
	cancel     func()

	LastActivity atomic.Int64
}

// Touch registra atividade na sessão de download.
func (d *DownloadSession) Touch() {
	d.LastActivity.Store(time.Now().UnixNano())
}
