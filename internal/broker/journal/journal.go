// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package journal mantém o histórico de eventos de transferência do broker:
// um ring buffer in-memory, opcionalmente persistido em JSONL.
package journal

import (
	"sync"
	"time"
)

// Tipos de evento registrados no journal.
const (
	TypeUploadStarted    = "upload-started"
	TypeUploadFinalized  = "upload-finalized"
	TypeUploadStopped    = "upload-stopped"
	TypeUploadError      = "upload-error"
	TypeDownloadComplete = "download-complete"
	TypeDownloadStopped  = "download-stopped"
	TypeDownloadError    = "download-error"
	TypeSessionReaped    = "session-reaped"
)

// Entry é um evento do ciclo de vida de uma transferência.
type Entry struct {
	Timestamp string `json:"ts,omitempty"`
	Level     string `json:"level"` // info|warning|error
	Type      string `json:"type"`
	FileID    string `json:"fileId,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Recorder é o destino de eventos do journal. Ring e Store implementam.
type Recorder interface {
	Push(e Entry)
}

// Ring é um ring buffer thread-safe de eventos de transferência.
// Guarda os últimos N, descartando os mais antigos quando cheio.
type Ring struct {
	mu  sync.RWMutex
	buf []Entry
	pos int // próxima posição de escrita
	cap int
	len int
}

// NewRing cria um ring buffer com capacidade fixa.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{
		buf: make([]Entry, capacity),
		cap: capacity,
	}
}

// Push adiciona um evento ao buffer, num esquema circular.
func (r *Ring) Push(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo
// primeiro). Com limit <= 0 ou maior que o conteúdo, retorna tudo.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []Entry{}
	}

	result := make([]Entry, n)
	// pos aponta para a PRÓXIMA escrita: o mais antigo está em pos-len
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}

// Len retorna o número de eventos armazenados.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}
