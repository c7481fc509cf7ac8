// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o uploader do ntransfer-client.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/pki"
	"github.com/nishisan-dev/n-transfer/internal/protocol"
)

// maxBurstSize limita o burst do rate limiter de upload.
const maxBurstSize = 256 * 1024

// ErrStopped sinaliza um upload interrompido por comando do operador.
var ErrStopped = errors.New("upload stopped by operator")

// Control é um comando do operador sobre um upload em andamento.
type Control int

const (
	ControlPause Control = iota
	ControlResume
	ControlStop
)

// Uploader envia arquivos para o broker pelo protocolo de chunks, com
// avanço otimista de offset e rebobinamento em offset-mismatch.
type Uploader struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
}

// NewUploader cria um uploader a partir da configuração do client.
func NewUploader(cfg *config.ClientConfig, logger *slog.Logger) *Uploader {
	return &Uploader{cfg: cfg, logger: logger}
}

// UploadFile envia um único arquivo em uma conexão dedicada.
func (u *Uploader) UploadFile(ctx context.Context, path string) error {
	return u.Upload(ctx, path, nil)
}

// Upload envia um arquivo, opcionalmente observando um canal de comandos
// do operador (pause/resume/stop).
func (u *Uploader) Upload(ctx context.Context, path string, controls <-chan Control) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	ws, err := u.dial(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	t := &transfer{
		cfg:      u.cfg,
		ws:       ws,
		file:     f,
		fileID:   generateFileID(),
		fileName: filepath.Base(path),
		fileSize: info.Size(),
	}
	t.logger = u.logger.With("fileId", t.fileID, "fileName", t.fileName)

	return t.run(ctx, controls)
}

// dial conecta ao broker, configurando TLS quando a URL é wss.
func (u *Uploader) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	if strings.HasPrefix(u.cfg.Server.URL, "wss://") {
		tlsCfg, err := pki.NewClientTLSConfig(u.cfg.TLS.CACert, u.cfg.TLS.CertFile, u.cfg.TLS.KeyFile, u.cfg.TLS.Insecure)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ws, _, err := dialer.DialContext(ctx, u.cfg.Server.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return ws, nil
}

// transfer é o upload de um arquivo em uma conexão dedicada.
type transfer struct {
	cfg      *config.ClientConfig
	ws       *websocket.Conn
	file     *os.File
	fileID   string
	fileName string
	fileSize int64
	logger   *slog.Logger
}

func (t *transfer) run(ctx context.Context, controls <-chan Control) error {
	if err := t.send(&protocol.ClientMessage{
		Action:   protocol.ActionStart,
		FileID:   t.fileID,
		FileName: t.fileName,
		FileSize: t.fileSize,
	}); err != nil {
		return err
	}

	ack, err := t.await(protocol.EventStartAck)
	if err != nil {
		return err
	}
	offset := int64(0)
	if ack.Offset != nil {
		offset = *ack.Offset
	}
	if _, err := t.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to offset %d: %w", offset, err)
	}
	t.logger.Info("upload session opened", "offset", offset, "size", t.fileSize)

	var limiter *rate.Limiter
	if t.cfg.Transfer.RateLimitRaw > 0 {
		limiter = rate.NewLimiter(rate.Limit(t.cfg.Transfer.RateLimitRaw), maxBurstSize)
	}

	buf := make([]byte, t.cfg.Transfer.ChunkSizeRaw)

	for offset < t.fileSize {
		if controls != nil {
			var stopped bool
			offset, stopped, err = t.drainControls(controls, offset)
			if err != nil {
				return err
			}
			if stopped {
				return ErrStopped
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := t.file.Read(buf)
		if n == 0 {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading file: %w", err)
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}

		if err := t.send(&protocol.ClientMessage{
			Action: protocol.ActionChunk,
			FileID: t.fileID,
			Offset: protocol.Int64(offset),
			Data:   base64.StdEncoding.EncodeToString(buf[:n]),
		}); err != nil {
			return err
		}

		newOffset, err := t.awaitChunkOutcome()
		if err != nil {
			return err
		}
		if newOffset != offset+int64(n) {
			// Rebobina para o offset que o broker espera
			t.logger.Warn("offset rewound by broker", "expected", newOffset)
			if _, err := t.file.Seek(newOffset, io.SeekStart); err != nil {
				return fmt.Errorf("seeking after rewind: %w", err)
			}
		}
		offset = newOffset
	}

	if err := t.send(&protocol.ClientMessage{
		Action: protocol.ActionComplete,
		FileID: t.fileID,
	}); err != nil {
		return err
	}

	final, err := t.await(protocol.EventCompleteAck)
	if err != nil {
		return err
	}
	t.logger.Info("upload finalized", "remoteFileId", final.RemoteFileID)
	return nil
}

// drainControls aplica comandos pendentes do operador. Em pause, bloqueia
// até resume ou stop. Retorna o offset vigente após os comandos.
func (t *transfer) drainControls(controls <-chan Control, offset int64) (int64, bool, error) {
	for {
		select {
		case c := <-controls:
			switch c {
			case ControlPause:
				if err := t.control(protocol.ActionPause, protocol.EventPaused); err != nil {
					return offset, false, err
				}
				t.logger.Info("upload paused", "offset", offset)
				// Bloqueia até o próximo comando
				next := <-controls
				if next == ControlStop {
					return offset, true, t.stop()
				}
				ev, err := t.controlAwait(protocol.ActionResume, protocol.EventResumeAck)
				if err != nil {
					return offset, false, err
				}
				if ev.Offset != nil {
					offset = *ev.Offset
				}
				if _, err := t.file.Seek(offset, io.SeekStart); err != nil {
					return offset, false, fmt.Errorf("seeking after resume: %w", err)
				}
				t.logger.Info("upload resumed", "offset", offset)
			case ControlStop:
				return offset, true, t.stop()
			case ControlResume:
				// Já ativo
			}
		default:
			return offset, false, nil
		}
	}
}

func (t *transfer) stop() error {
	if err := t.control(protocol.ActionStop, protocol.EventStopAck); err != nil {
		return err
	}
	t.logger.Info("upload stopped")
	return nil
}

func (t *transfer) control(action, event string) error {
	_, err := t.controlAwait(action, event)
	return err
}

func (t *transfer) controlAwait(action, event string) (*protocol.ServerEvent, error) {
	if err := t.send(&protocol.ClientMessage{Action: action, FileID: t.fileID}); err != nil {
		return nil, err
	}
	return t.await(event)
}

func (t *transfer) send(msg *protocol.ClientMessage) error {
	if err := t.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Action, err)
	}
	return nil
}

// await lê eventos até encontrar o esperado, falhando em eventos de erro.
// Eventos informativos intermediários (local-complete, uploading) são
// ignorados.
func (t *transfer) await(event string) (*protocol.ServerEvent, error) {
	for {
		ev, err := t.read()
		if err != nil {
			return nil, err
		}
		switch ev.Event {
		case event:
			return ev, nil
		case protocol.EventError:
			return nil, fmt.Errorf("broker error: %s", ev.Error)
		}
	}
}

// awaitChunkOutcome espera o desfecho de um chunk: ack avança o offset,
// mismatch rebobina para o esperado pelo broker.
func (t *transfer) awaitChunkOutcome() (int64, error) {
	for {
		ev, err := t.read()
		if err != nil {
			return 0, err
		}
		switch ev.Event {
		case protocol.EventChunkAck:
			if ev.Offset == nil {
				return 0, fmt.Errorf("chunk-ack without offset")
			}
			return *ev.Offset, nil
		case protocol.EventOffsetMismatch:
			if ev.Expected == nil {
				return 0, fmt.Errorf("offset-mismatch without expected offset")
			}
			return *ev.Expected, nil
		case protocol.EventPaused:
			// Pausado por outra conexão: não adianta insistir
			return 0, fmt.Errorf("session paused by broker")
		case protocol.EventError:
			return 0, fmt.Errorf("broker error: %s", ev.Error)
		}
	}
}

func (t *transfer) read() (*protocol.ServerEvent, error) {
	t.ws.SetReadDeadline(time.Now().Add(t.cfg.Transfer.AckTimeout))
	var ev protocol.ServerEvent
	if err := t.ws.ReadJSON(&ev); err != nil {
		return nil, fmt.Errorf("reading broker event: %w", err)
	}
	return &ev, nil
}

// generateFileID gera um UUID v4 para identificar a sessão de upload.
func generateFileID() string {
	b := make([]byte, 16)
	rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40 // versão 4
	b[8] = (b[8] & 0x3f) | 0x80 // variante RFC 4122
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
