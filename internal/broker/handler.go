// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-transfer/internal/broker/journal"
	"github.com/nishisan-dev/n-transfer/internal/catalog"
	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/logging"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// Broker é o núcleo do servidor de transferências: registro de sessões,
// protocolo de chunks, hand-off e downloads, amarrados ao hub de conexões.
type Broker struct {
	cfg        *config.ServerConfig
	logger     *slog.Logger
	registry   *Registry
	stager     *Stager
	hub        *Hub
	downstream Downstream
	catalog    catalog.Catalog
	journal    journal.Recorder // pode ser nil
	stats      *Stats
	downloads  *DownloadManager
}

// New monta um broker com todas as dependências injetadas. catalog e
// journal são opcionais (catalog.Noop{} e nil respectivamente).
func New(cfg *config.ServerConfig, logger *slog.Logger, stager *Stager, downstream Downstream, cat catalog.Catalog, rec journal.Recorder) *Broker {
	if cat == nil {
		cat = catalog.Noop{}
	}
	hub := NewHub(logger)
	stats := &Stats{}
	b := &Broker{
		cfg:        cfg,
		logger:     logger,
		registry:   NewRegistry(stager),
		stager:     stager,
		hub:        hub,
		downstream: downstream,
		catalog:    cat,
		journal:    rec,
		stats:      stats,
	}
	b.downloads = NewDownloadManager(cfg, logger, stager, hub, stats, rec)
	return b
}

// Registry expõe o registro de sessões (cleanup agendado e stats).
func (b *Broker) Registry() *Registry { return b.registry }

// Stats expõe os contadores globais.
func (b *Broker) Stats() *Stats { return b.stats }

// HandleConnection roda o read loop de uma conexão aceita. Bloqueia até a
// conexão fechar. Sessões ativas observadas pela conexão são rebaixadas
// para paused no teardown; a sessão em si sobrevive no registro.
func (b *Broker) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws)
	remote := ws.RemoteAddr().String()
	b.stats.ActiveConns.Add(1)
	b.logger.Info("client connected", "remote", remote)

	defer func() {
		for _, fileID := range b.hub.UnsubscribeConn(conn) {
			if s := b.registry.Get(fileID); s != nil && s.PauseIfActive() {
				b.logger.Info("session paused on disconnect", "fileId", fileID)
			}
		}
		conn.Close()
		b.stats.ActiveConns.Add(-1)
		b.logger.Info("client disconnected", "remote", remote)
	}()

	ws.SetReadLimit(b.cfg.Transfer.MaxFrameRaw)

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			conn.SendEvent(protocol.ErrorEvent("", "Invalid JSON"))
			continue
		}
		if err := msg.Validate(); err != nil {
			conn.SendEvent(protocol.ErrorEvent(msg.FileID, err.Error()))
			continue
		}

		b.dispatch(ctx, conn, msg)
	}
}

func (b *Broker) dispatch(ctx context.Context, conn *Conn, msg *protocol.ClientMessage) {
	switch msg.Action {
	case protocol.ActionStart:
		b.handleStart(ctx, conn, msg)
	case protocol.ActionChunk:
		b.handleChunk(conn, msg)
	case protocol.ActionPause:
		b.handlePause(conn, msg)
	case protocol.ActionResume:
		b.handleResume(conn, msg)
	case protocol.ActionStop:
		b.handleStop(ctx, conn, msg)
	case protocol.ActionComplete:
		b.handleComplete(ctx, conn, msg)
	case protocol.ActionDownloadStart:
		b.downloads.Start(ctx, conn, msg)
	case protocol.ActionDownloadPause:
		b.downloads.Pause(conn, msg.FileID)
	case protocol.ActionDownloadResume:
		b.downloads.Resume(ctx, conn, msg.FileID)
	case protocol.ActionDownloadStop:
		b.downloads.Stop(conn, msg.FileID)
	}
}

// record alimenta o journal, quando configurado.
func (b *Broker) record(e journal.Entry) {
	if b.journal != nil {
		b.journal.Push(e)
	}
}

func (b *Broker) handleStart(ctx context.Context, conn *Conn, msg *protocol.ClientMessage) {
	s, created, err := b.registry.GetOrCreate(msg.FileID, msg.FileName, msg.FileSize, msg.FolderID)
	if err != nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, err.Error()))
		return
	}

	b.hub.Subscribe(conn, s.FileID)

	if created {
		if slogger, closer, _, err := logging.NewSessionLogger(b.logger, b.cfg.Logging.SessionLogDir, b.cfg.Catalog.Owner, s.FileID); err != nil {
			b.logger.Warn("session log unavailable", "fileId", s.FileID, "error", err)
		} else {
			s.mu.Lock()
			s.log = slogger.With("fileId", s.FileID)
			s.logClose = closer
			s.mu.Unlock()
		}

		if id, err := b.catalog.Register(ctx, s.FileName, s.FileSize, b.cfg.Catalog.Owner, s.PartPath); err != nil {
			// Falha de catálogo nunca derruba a transferência
			b.logger.Warn("catalog register failed", "fileId", s.FileID, "error", err)
		} else {
			s.mu.Lock()
			s.CatalogID = id
			s.mu.Unlock()
		}

		b.record(journal.Entry{Level: "info", Type: journal.TypeUploadStarted, FileID: s.FileID, FileName: s.FileName, Size: s.FileSize})
	}

	s.mu.Lock()
	offset := s.BytesReceived
	status := string(s.Status)
	s.mu.Unlock()

	conn.SendEvent(&protocol.ServerEvent{
		Event:  protocol.EventStartAck,
		FileID: s.FileID,
		Status: status,
		Offset: protocol.Int64(offset),
	})
	s.Logger(b.logger).Info("upload session attached", "fileId", s.FileID, "fileName", s.FileName, "offset", offset, "created", created)
}

func (b *Broker) handleChunk(conn *Conn, msg *protocol.ClientMessage) {
	s := b.registry.Get(msg.FileID)
	if s == nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Session not found. Send start first."))
		return
	}

	// Decodifica antes do lock; o resultado só é reportado na ordem do
	// protocolo (status → offset → base64)
	data, decodeErr := base64.StdEncoding.DecodeString(msg.Data)

	s.mu.Lock()
	switch s.Status {
	case StatusActive:
	case StatusPaused:
		offset := s.BytesReceived
		s.mu.Unlock()
		b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
			Event:  protocol.EventPaused,
			FileID: msg.FileID,
			Offset: protocol.Int64(offset),
		})
		return
	default:
		status := s.Status
		s.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, fmt.Sprintf("Cannot accept chunk in status: %s", status)))
		return
	}

	if *msg.Offset != s.BytesReceived {
		expected := s.BytesReceived
		s.mu.Unlock()
		// Sem escrita em disco: o client rebobina e reenvia do offset esperado
		b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
			Event:    protocol.EventOffsetMismatch,
			FileID:   msg.FileID,
			Expected: protocol.Int64(expected),
			Received: protocol.Int64(*msg.Offset),
		})
		return
	}

	if decodeErr != nil {
		s.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Invalid base64 data"))
		return
	}

	if s.BytesReceived+int64(len(data)) > s.FileSize {
		s.Status = StatusError
		s.mu.Unlock()
		b.hub.Broadcast(msg.FileID, protocol.ErrorEvent(msg.FileID, "Chunk exceeds declared file size"))
		b.record(journal.Entry{Level: "error", Type: journal.TypeUploadError, FileID: msg.FileID, Message: "chunk exceeds declared file size"})
		return
	}

	if err := AppendChunk(s.PartPath, data); err != nil {
		s.Status = StatusError
		s.mu.Unlock()
		s.Logger(b.logger).Error("appending chunk", "fileId", msg.FileID, "error", err)
		b.hub.Broadcast(msg.FileID, protocol.ErrorEvent(msg.FileID, "Write failure: "+err.Error()))
		b.record(journal.Entry{Level: "error", Type: journal.TypeUploadError, FileID: msg.FileID, Message: err.Error()})
		return
	}

	s.BytesReceived += int64(len(data))
	s.Touch()
	newOffset := s.BytesReceived
	size := s.FileSize
	reached := newOffset == size
	if reached {
		s.Status = StatusCompleting
	}
	s.mu.Unlock()

	written := int64(len(data))
	b.stats.TrafficIn.Add(written)
	b.stats.DiskWrite.Add(written)

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:         protocol.EventChunkAck,
		FileID:        msg.FileID,
		Offset:        protocol.Int64(newOffset),
		ReceivedBytes: protocol.Int64(written),
		Percent:       protocol.Float64(protocol.Percent(newOffset, size)),
	})
	s.Logger(b.logger).Debug("chunk appended", "offset", newOffset, "bytes", written)

	if reached {
		b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
			Event:  protocol.EventLocalComplete,
			FileID: msg.FileID,
			Offset: protocol.Int64(newOffset),
		})
		s.Logger(b.logger).Info("upload fully staged", "fileId", msg.FileID, "bytes", newOffset)
	}
}

func (b *Broker) handlePause(conn *Conn, msg *protocol.ClientMessage) {
	s := b.registry.Get(msg.FileID)
	if s == nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Session not found. Send start first."))
		return
	}

	s.mu.Lock()
	switch s.Status {
	case StatusActive:
		s.Status = StatusPaused
	case StatusPaused:
		// pause repetido é idempotente
	default:
		status := s.Status
		s.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, fmt.Sprintf("Cannot pause in status: %s", status)))
		return
	}
	offset := s.BytesReceived
	s.mu.Unlock()

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:  protocol.EventPaused,
		FileID: msg.FileID,
		Offset: protocol.Int64(offset),
	})
	s.Logger(b.logger).Info("upload paused", "fileId", msg.FileID, "offset", offset)
}

func (b *Broker) handleResume(conn *Conn, msg *protocol.ClientMessage) {
	s := b.registry.Get(msg.FileID)
	if s == nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Session not found. Send start first."))
		return
	}

	s.mu.Lock()
	switch s.Status {
	case StatusPaused:
		s.Status = StatusActive
	case StatusActive:
		// resume repetido é idempotente
	default:
		status := s.Status
		s.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, fmt.Sprintf("Cannot resume in status: %s", status)))
		return
	}
	offset := s.BytesReceived
	s.Touch()
	s.mu.Unlock()

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:  protocol.EventResumeAck,
		FileID: msg.FileID,
		Offset: protocol.Int64(offset),
	})
	s.Logger(b.logger).Info("upload resumed", "fileId", msg.FileID, "offset", offset)
}

func (b *Broker) handleStop(ctx context.Context, conn *Conn, msg *protocol.ClientMessage) {
	s := b.registry.Get(msg.FileID)
	if s == nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Session not found. Send start first."))
		return
	}

	del := msg.DeleteOnStop()

	s.mu.Lock()
	s.Status = StatusStopped
	partPath := s.PartPath
	finalPath := s.FinalPath
	catalogID := s.CatalogID
	s.CloseLog()
	s.mu.Unlock()

	if del {
		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("removing part file on stop", "fileId", msg.FileID, "error", err)
		}
		if finalPath != "" {
			if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
				b.logger.Warn("removing final file on stop", "fileId", msg.FileID, "error", err)
			}
		}
	}

	b.registry.Remove(msg.FileID)

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:  protocol.EventStopAck,
		FileID: msg.FileID,
	})
	b.hub.DropSession(msg.FileID)

	if catalogID != 0 {
		var err error
		if del {
			err = b.catalog.Delete(ctx, catalogID)
		} else {
			err = b.catalog.Update(ctx, catalogID, "stopped", "")
		}
		if err != nil {
			b.logger.Warn("catalog update on stop failed", "fileId", msg.FileID, "error", err)
		}
	}

	b.record(journal.Entry{Level: "info", Type: journal.TypeUploadStopped, FileID: msg.FileID, Message: fmt.Sprintf("delete=%t", del)})
	b.logger.Info("upload stopped", "fileId", msg.FileID, "delete", del)
}

func (b *Broker) handleComplete(ctx context.Context, conn *Conn, msg *protocol.ClientMessage) {
	s := b.registry.Get(msg.FileID)
	if s == nil {
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Session not found. Send start first."))
		return
	}

	s.mu.Lock()
	if s.BytesReceived != s.FileSize {
		s.mu.Unlock()
		// Estado preservado: o client pode continuar mandando chunks
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, "Size mismatch. Not completed."))
		return
	}
	if s.Status != StatusCompleting {
		status := s.Status
		s.mu.Unlock()
		conn.SendEvent(protocol.ErrorEvent(msg.FileID, fmt.Sprintf("Cannot complete in status: %s", status)))
		return
	}

	finalPath, err := b.stager.Finalize(s.PartPath)
	if err != nil {
		s.Status = StatusError
		s.mu.Unlock()
		s.Logger(b.logger).Error("finalizing upload", "fileId", msg.FileID, "error", err)
		b.hub.Broadcast(msg.FileID, protocol.ErrorEvent(msg.FileID, "Finalize failure: "+err.Error()))
		b.record(journal.Entry{Level: "error", Type: journal.TypeUploadError, FileID: msg.FileID, Message: err.Error()})
		return
	}
	s.FinalPath = finalPath
	s.Status = StatusUploading
	meta := UploadMeta{
		FileID:   s.FileID,
		FileName: s.FileName,
		FileSize: s.FileSize,
		FolderID: s.FolderID,
	}
	catalogID := s.CatalogID
	s.mu.Unlock()

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:  protocol.EventUploading,
		FileID: msg.FileID,
	})

	fail := func(message string) {
		s.mu.Lock()
		s.Status = StatusError
		s.mu.Unlock()
		s.Logger(b.logger).Error("remote hand-off failed", "fileId", msg.FileID, "error", message)
		b.hub.Broadcast(msg.FileID, protocol.ErrorEvent(msg.FileID, message))
		b.record(journal.Entry{Level: "error", Type: journal.TypeUploadError, FileID: msg.FileID, Message: message})
	}

	// Revalida do disco, não apenas do contador em memória
	info, err := os.Stat(finalPath)
	if err != nil {
		fail("Finalized file missing: " + err.Error())
		return
	}
	if info.Size() != meta.FileSize {
		fail(fmt.Sprintf("Finalized file size mismatch: disk=%d declared=%d", info.Size(), meta.FileSize))
		return
	}

	f, err := os.Open(finalPath)
	if err != nil {
		fail("Opening finalized file: " + err.Error())
		return
	}
	remoteID, err := b.downstream.Upload(ctx, meta, f)
	f.Close()
	if err != nil {
		// Arquivo final-local retido para retry externo ou diagnóstico
		fail("Upload to remote failed: " + err.Error())
		return
	}

	// Só remove o arquivo local depois da resposta do downstream consumida
	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("removing finalized local file", "fileId", msg.FileID, "error", err)
	}

	s.mu.Lock()
	s.Status = StatusCompleted
	s.RemoteFileID = remoteID
	s.CloseLog()
	s.mu.Unlock()

	if catalogID != 0 {
		if err := b.catalog.Update(ctx, catalogID, "uploaded", finalPath); err != nil {
			b.logger.Warn("catalog update on complete failed", "fileId", msg.FileID, "error", err)
		}
	}

	b.registry.Remove(msg.FileID)

	b.hub.Broadcast(msg.FileID, &protocol.ServerEvent{
		Event:        protocol.EventCompleteAck,
		FileID:       msg.FileID,
		RemoteFileID: remoteID,
		Status:       "uploaded_to_remote",
	})
	b.hub.DropSession(msg.FileID)

	b.record(journal.Entry{Level: "info", Type: journal.TypeUploadFinalized, FileID: msg.FileID, FileName: meta.FileName, Size: meta.FileSize, Message: "remoteFileId=" + remoteID})
	logging.RemoveSessionLog(b.cfg.Logging.SessionLogDir, b.cfg.Catalog.Owner, msg.FileID)
	b.logger.Info("upload finalized", "fileId", msg.FileID, "fileName", meta.FileName, "bytes", meta.FileSize, "remoteFileId", remoteID)
}
