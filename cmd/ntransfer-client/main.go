// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// ntransfer-client envia arquivos para um ntransfer-server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nishisan-dev/n-transfer/internal/client"
	"github.com/nishisan-dev/n-transfer/internal/config"
	"github.com/nishisan-dev/n-transfer/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/ntransfer/client.yaml", "path to client config file")
	path := flag.String("path", "", "file or directory to upload")
	recursive := flag.Bool("recursive", false, "recurse into subdirectories")
	interactive := flag.Bool("interactive", false, "read p/r/s/q commands from stdin (single file only)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -path is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	uploader := client.NewUploader(cfg, logger)

	files, err := client.Collect(*path, *recursive, cfg.Transfer.Exclude)
	if err != nil {
		logger.Error("collecting files", "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Warn("nothing to upload", "path", *path)
		return
	}

	if *interactive {
		if len(files) != 1 {
			fmt.Fprintln(os.Stderr, "ERROR: -interactive requires a single file")
			os.Exit(1)
		}
		if err := runInteractive(ctx, uploader, files[0]); err != nil {
			logger.Error("upload failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := uploader.UploadAll(ctx, files); err != nil {
		logger.Error("batch finished with errors", "error", err)
		os.Exit(1)
	}
	logger.Info("batch finished", "files", len(files))
}

// runInteractive envia um arquivo aceitando comandos do operador:
// p = pause, r = resume, s = stop, q = quit (deixa a sessão pausada no broker).
func runInteractive(ctx context.Context, uploader *client.Uploader, path string) error {
	controls := make(chan client.Control)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			switch strings.TrimSpace(scanner.Text()) {
			case "p":
				controls <- client.ControlPause
			case "r":
				controls <- client.ControlResume
			case "s":
				controls <- client.ControlStop
			case "q":
				// Derruba a conexão: o broker pausa a sessão e o part
				// file fica para um resume futuro
				os.Exit(0)
			}
		}
	}()

	err := uploader.Upload(ctx, path, controls)
	if errors.Is(err, client.ErrStopped) {
		fmt.Println("upload stopped")
		return nil
	}
	return err
}
