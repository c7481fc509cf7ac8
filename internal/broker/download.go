// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-transfer/internal/broker/journal"
	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// progressInterval limita a cadência dos eventos download-progress.
const progressInterval = 250 * time.Millisecond

// DownloadManager busca URLs remotas em nome dos clients, com resume via
// HTTP Range. Downloads não são atrelados à conexão: seguem rodando se o
// client desconectar.
type DownloadManager struct {
	cfg     *config.ServerConfig
	logger  *slog.Logger
	stager  *Stager
	hub     *Hub
	stats   *Stats
	journal journal.Recorder

	client *http.Client

	mu       sync.Mutex
	sessions map[string]*DownloadSession
}

// NewDownloadManager cria o engine de downloads.
func NewDownloadManager(cfg *config.ServerConfig, logger *slog.Logger, stager *Stager, hub *Hub, stats *Stats, rec journal.Recorder) *DownloadManager {
	dialer := &net.Dialer{Timeout: cfg.Download.ConnectTimeout}
	return &DownloadManager{
		cfg:     cfg,
		logger:  logger,
		stager:  stager,
		hub:     hub,
		stats:   stats,
		journal: rec,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.Download.ConnectTimeout,
				ResponseHeaderTimeout: cfg.Download.ConnectTimeout,
			},
		},
		sessions: make(map[string]*DownloadSession),
	}
}

func (m *DownloadManager) record(e journal.Entry) {
	if m.journal != nil {
		m.journal.Push(e)
	}
}

// Start inicia (ou retoma, se há temp file de uma instância anterior) o
// download da URL para a sessão informada.
func (m *DownloadManager) Start(ctx context.Context, conn *Conn, msg *protocol.ClientMessage) {
	if err := validateFileID(msg.FileID); err != nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, err.Error()))
		return
	}

	filename := msg.Filename
	if filename == "" {
		if u, err := url.Parse(msg.URL); err == nil {
			filename = path.Base(u.Path)
		}
	}
	name, err := sanitizeFileName(filename)
	if err != nil {
		name = "download"
	}

	m.mu.Lock()
	if _, exists := m.sessions[msg.FileID]; exists {
		m.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Download already in progress"))
		return
	}
	d := &DownloadSession{
		SessionID: msg.FileID,
		URL:       msg.URL,
		Filename:  name,
		Status:    StatusActive,
		TempPath:  m.stager.DownloadTempPath(msg.FileID, name),
	}
	m.sessions[msg.FileID] = d
	m.mu.Unlock()

	// Temp file remanescente de uma execução anterior retoma do que há
	if size, err := PartSize(d.TempPath); err == nil {
		d.Downloaded = size
	}
	d.Touch()

	m.hub.Subscribe(conn, msg.FileID)
	m.logger.Info("download started", "fileId", msg.FileID, "url", msg.URL, "filename", name, "resumeFrom", d.Downloaded)

	go m.run(ctx, d, true)
}

// Pause cancela a requisição em andamento mantendo o temp file.
func (m *DownloadManager) Pause(conn *Conn, fileID string) {
	d := m.get(fileID)
	if d == nil {
		conn.SendEvent(protocol.ErrorEvent(fileID, "Download session not found"))
		return
	}

	d.mu.Lock()
	if d.Status != StatusActive {
		status := d.Status
		d.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(fileID, fmt.Sprintf("Cannot pause download in status: %s", status)))
		return
	}
	d.Status = StatusPaused
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// O evento download-paused sai do run() quando a requisição encerra
}

// Resume reemite a requisição Range a partir dos bytes já gravados.
func (m *DownloadManager) Resume(ctx context.Context, conn *Conn, fileID string) {
	d := m.get(fileID)
	if d == nil {
		conn.SendEvent(protocol.ErrorEvent(fileID, "Download session not found"))
		return
	}

	d.mu.Lock()
	if d.Status != StatusPaused {
		status := d.Status
		d.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(fileID, fmt.Sprintf("Cannot resume download in status: %s", status)))
		return
	}
	d.Status = StatusActive
	offset := d.Downloaded
	d.mu.Unlock()

	m.hub.Subscribe(conn, fileID)
	m.hub.Broadcast(fileID, &protocol.ServerEvent{
		Event:  protocol.EventDownloadResumed,
		FileID: fileID,
		Offset: protocol.Int64(offset),
	})
	m.logger.Info("download resumed", "fileId", fileID, "offset", offset)

	go m.run(ctx, d, false)
}

// Stop cancela o download, apaga o temp file e remove a sessão.
func (m *DownloadManager) Stop(conn *Conn, fileID string) {
	d := m.get(fileID)
	if d == nil {
		conn.SendEvent(protocol.ErrorEvent(fileID, "Download session not found"))
		return
	}

	d.mu.Lock()
	d.Status = StatusStopped
	cancel := d.cancel
	tempPath := d.TempPath
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("removing download temp file", "fileId", fileID, "error", err)
	}

	m.remove(fileID)
	m.hub.Broadcast(fileID, &protocol.ServerEvent{
		Event:  protocol.EventDownloadStopAck,
		FileID: fileID,
	})
	m.hub.DropSession(fileID)
	m.record(journal.Entry{Level: "info", Type: journal.TypeDownloadStopped, FileID: fileID})
	m.logger.Info("download stopped", "fileId", fileID)
}

func (m *DownloadManager) get(fileID string) *DownloadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[fileID]
}

func (m *DownloadManager) remove(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, fileID)
}

// run executa uma passada de fetch e resolve o desfecho: completo, pausado,
// parado ou erro.
func (m *DownloadManager) run(ctx context.Context, d *DownloadSession, initial bool) {
	runCtx, cancel := context.WithCancel(ctx)
	if m.cfg.Download.OverallTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.cfg.Download.OverallTimeout)
	}
	defer cancel()

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	err := m.fetch(runCtx, d, initial)
	if err == nil {
		m.finish(d)
		return
	}

	d.mu.Lock()
	status := d.Status
	downloaded := d.Downloaded
	if status == StatusActive {
		d.Status = StatusError
	}
	d.mu.Unlock()

	switch status {
	case StatusPaused:
		m.hub.Broadcast(d.SessionID, &protocol.ServerEvent{
			Event:      protocol.EventDownloadPaused,
			FileID:     d.SessionID,
			Downloaded: protocol.Int64(downloaded),
		})
		m.logger.Info("download paused", "fileId", d.SessionID, "downloaded", downloaded)
	case StatusStopped:
		// Stop já emitiu o ack e limpou o temp file
	default:
		m.hub.Broadcast(d.SessionID, protocol.ErrorEvent(d.SessionID, "Download failed: "+err.Error()))
		m.record(journal.Entry{Level: "error", Type: journal.TypeDownloadError, FileID: d.SessionID, Message: err.Error()})
		m.logger.Error("download failed", "fileId", d.SessionID, "error", err)
	}
}

// fetch faz um GET (com Range quando há bytes gravados) e transfere o corpo
// para o temp file, emitindo progresso no máximo a cada 250ms.
func (m *DownloadManager) fetch(ctx context.Context, d *DownloadSession, initial bool) error {
	d.mu.Lock()
	resumeFrom := d.Downloaded
	d.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusOK:
		// Origem não honrou o Range: recomeça do zero
		if err := os.Truncate(d.TempPath, 0); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("truncating temp file: %w", err)
		}
		d.mu.Lock()
		d.Downloaded = 0
		d.mu.Unlock()
		resumeFrom = 0
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		// Resume aceito
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	default:
		return fmt.Errorf("origin returned %d", resp.StatusCode)
	}

	totalSize := int64(0)
	if resp.ContentLength >= 0 {
		totalSize = resumeFrom + resp.ContentLength
	}
	d.mu.Lock()
	d.TotalSize = totalSize
	d.mu.Unlock()

	if initial {
		m.hub.Broadcast(d.SessionID, &protocol.ServerEvent{
			Event:     protocol.EventDownloadStarted,
			FileID:    d.SessionID,
			Filename:  d.Filename,
			TotalSize: protocol.Int64(totalSize),
		})
	}

	f, err := os.OpenFile(d.TempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	buf := make([]byte, 64*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing temp file: %w", err)
			}
			m.stats.DiskWrite.Add(int64(n))

			d.mu.Lock()
			d.Downloaded += int64(n)
			downloaded := d.Downloaded
			total := d.TotalSize
			d.mu.Unlock()
			d.Touch()

			if limiter.Allow() {
				m.hub.Broadcast(d.SessionID, &protocol.ServerEvent{
					Event:      protocol.EventDownloadProgress,
					FileID:     d.SessionID,
					Downloaded: protocol.Int64(downloaded),
					TotalSize:  protocol.Int64(total),
					Percent:    protocol.Float64(protocol.Percent(downloaded, total)),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading origin body: %w", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	return nil
}

// finish move o temp file para o diretório de downloads e encerra a sessão.
func (m *DownloadManager) finish(d *DownloadSession) {
	d.mu.Lock()
	tempPath := d.TempPath
	filename := d.Filename
	downloaded := d.Downloaded
	d.Status = StatusCompleted
	d.mu.Unlock()

	dest, err := m.stager.PlaceDownload(tempPath, filename)
	if err != nil {
		d.mu.Lock()
		d.Status = StatusError
		d.mu.Unlock()
		m.hub.Broadcast(d.SessionID, protocol.ErrorEvent(d.SessionID, "Placing download failed: "+err.Error()))
		m.record(journal.Entry{Level: "error", Type: journal.TypeDownloadError, FileID: d.SessionID, Message: err.Error()})
		return
	}

	m.remove(d.SessionID)
	m.hub.Broadcast(d.SessionID, &protocol.ServerEvent{
		Event:    protocol.EventDownloadComplete,
		FileID:   d.SessionID,
		FilePath: dest,
	})
	m.hub.DropSession(d.SessionID)
	m.record(journal.Entry{Level: "info", Type: journal.TypeDownloadComplete, FileID: d.SessionID, FileName: filename, Size: downloaded})
	m.logger.Info("download complete", "fileId", d.SessionID, "filePath", dest, "bytes", downloaded)
}
