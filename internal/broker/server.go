// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broker implementa o servidor de transferências (ntransfer-server).
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-transfer/internal/broker/journal"
	"github.com/nishisan-dev/n-transfer/internal/catalog"
	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/pki"
)

// journalRingCap é a capacidade do ring in-memory do journal.
const journalRingCap = 500

// Run monta o broker a partir da configuração e serve até o context ser
// cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	stager, err := NewStager(cfg.Storage.StagingDir, cfg.Storage.DownloadsDir)
	if err != nil {
		return fmt.Errorf("preparing storage: %w", err)
	}

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	var rec journal.Recorder
	if cfg.Journal.EventsFile != "" {
		store, err := journal.NewStore(cfg.Journal.EventsFile, journalRingCap, cfg.Journal.EventsMaxLines)
		if err != nil {
			return fmt.Errorf("opening transfer journal: %w", err)
		}
		defer store.Close()
		rec = store
	}

	var downstream Downstream
	switch cfg.Downstream.Backend {
	case "s3":
		downstream, err = NewS3Downstream(ctx, cfg.Downstream.S3)
		if err != nil {
			return fmt.Errorf("configuring s3 downstream: %w", err)
		}
	default:
		downstream = NewHTTPDownstream(cfg.Downstream.URL, cfg.Downstream.Token)
	}

	b := New(cfg, logger, stager, downstream, cat, rec)

	// Reaper de sessões pausadas ociosas
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Transfer.CleanupSchedule, func() {
		if n := b.registry.CleanupExpired(cfg.Transfer.SessionTTL, logger); n > 0 {
			b.record(journal.Entry{Level: "info", Type: journal.TypeSessionReaped, Message: fmt.Sprintf("reaped %d stale sessions", n)})
		}
	}); err != nil {
		return fmt.Errorf("scheduling session cleanup: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go StartStatsReporter(ctx, b.stats, b.registry, cfg.Storage.StagingDir, 15*time.Second, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: b.WSHandler(ctx),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down broker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CACert)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		srv.TLSConfig = tlsCfg
		logger.Info("broker listening", "address", cfg.Server.Listen, "tls", true, "mtls", cfg.TLS.CACert != "")
		err = srv.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	logger.Info("broker listening", "address", cfg.Server.Listen, "tls", false)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// WSHandler retorna o http.Handler que aceita conexões WebSocket em /ws.
// Exposto separadamente para os testes subirem um broker com httptest.
func (b *Broker) WSHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		// Auth de usuário final é responsabilidade do upstream
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Error("upgrading connection", "remote", r.RemoteAddr, "error", err)
			return
		}
		b.HandleConnection(ctx, ws)
	})
	return mux
}
