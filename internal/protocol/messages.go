// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol define o envelope JSON trocado entre clients e o broker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Ações enviadas pelo client.
const (
	ActionStart          = "start"
	ActionChunk          = "chunk"
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionStop           = "stop"
	ActionComplete       = "complete"
	ActionDownloadStart  = "download-start"
	ActionDownloadPause  = "download-pause"
	ActionDownloadResume = "download-resume"
	ActionDownloadStop   = "download-stop"
)

// Eventos emitidos pelo broker.
const (
	EventStartAck         = "start-ack"
	EventChunkAck         = "chunk-ack"
	EventOffsetMismatch   = "offset-mismatch"
	EventPaused           = "paused"
	EventResumeAck        = "resume-ack"
	EventStopAck          = "stop-ack"
	EventLocalComplete    = "local-complete"
	EventUploading        = "uploading"
	EventCompleteAck      = "complete-ack"
	EventError            = "error"
	EventDownloadStarted  = "download-started"
	EventDownloadProgress = "download-progress"
	EventDownloadComplete = "download-complete"
	EventDownloadPaused   = "download-paused"
	EventDownloadResumed  = "download-resumed"
	EventDownloadStopAck  = "download-stop-ack"
)

// ErrInvalidJSON sinaliza mensagem que não decodifica como envelope JSON.
var ErrInvalidJSON = errors.New("Invalid JSON")

// ClientMessage é o envelope client→broker. Campos opcionais usam ponteiro
// quando o valor zero é significativo (offset 0 é um offset válido).
type ClientMessage struct {
	Action   string `json:"action"`
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	Offset   *int64 `json:"offset,omitempty"`
	Data     string `json:"data,omitempty"`
	Delete   *bool  `json:"delete,omitempty"`
	FolderID string `json:"folderId,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"` // nome sugerido em download-start
}

// ServerEvent é o envelope broker→client. Um único struct cobre todos os
// eventos; campos numéricos usam ponteiro para que zeros legítimos
// (offset=0, percent=0) sobrevivam ao omitempty.
type ServerEvent struct {
	Event         string   `json:"event"`
	FileID        string   `json:"fileId,omitempty"`
	Status        string   `json:"status,omitempty"`
	Offset        *int64   `json:"offset,omitempty"`
	ReceivedBytes *int64   `json:"receivedBytes,omitempty"`
	Percent       *float64 `json:"percent,omitempty"`
	Expected      *int64   `json:"expected,omitempty"`
	Received      *int64   `json:"received,omitempty"`
	RemoteFileID  string   `json:"remoteFileId,omitempty"`
	Error         string   `json:"error,omitempty"`
	Filename      string   `json:"filename,omitempty"`
	TotalSize     *int64   `json:"totalSize,omitempty"`
	Downloaded    *int64   `json:"downloaded,omitempty"`
	FilePath      string   `json:"filePath,omitempty"`
}

// DecodeClientMessage decodifica o envelope de uma mensagem recebida.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidJSON
	}
	if msg.Action == "" {
		return nil, ErrInvalidJSON
	}
	return &msg, nil
}

// Validate confere os campos obrigatórios da ação.
func (m *ClientMessage) Validate() error {
	switch m.Action {
	case ActionStart:
		if m.FileID == "" || m.FileName == "" || m.FileSize <= 0 {
			return errors.New("Invalid start payload")
		}
	case ActionChunk:
		if m.FileID == "" || m.Offset == nil || m.Data == "" {
			return errors.New("Invalid chunk payload")
		}
	case ActionPause, ActionResume, ActionStop, ActionComplete,
		ActionDownloadPause, ActionDownloadResume, ActionDownloadStop:
		if m.FileID == "" {
			return fmt.Errorf("Invalid %s payload", m.Action)
		}
	case ActionDownloadStart:
		if m.FileID == "" || m.URL == "" {
			return errors.New("Invalid download-start payload")
		}
	default:
		return fmt.Errorf("Unknown action: %s", m.Action)
	}
	return nil
}

// DeleteOnStop informa se um stop deve apagar os arquivos da sessão.
// O default do protocolo é true.
func (m *ClientMessage) DeleteOnStop() bool {
	if m.Delete == nil {
		return true
	}
	return *m.Delete
}

// ErrorEvent constrói o evento de erro padrão.
func ErrorEvent(fileID, message string) *ServerEvent {
	return &ServerEvent{Event: EventError, FileID: fileID, Error: message}
}

// Percent calcula o progresso em % com duas casas, clamped em 100.
func Percent(received, total int64) float64 {
	if total < 1 {
		total = 1
	}
	pct := 100 * float64(received) / float64(total)
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}

// Int64 retorna um ponteiro para v. Conveniência para montar eventos.
func Int64(v int64) *int64 { return &v }

// Float64 retorna um ponteiro para v.
func Float64(v float64) *float64 { return &v }
