// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do ntransfer-server.
type ServerConfig struct {
	Server     ServerListen     `yaml:"server"`
	TLS        TLSServer        `yaml:"tls"`
	Storage    StorageConfig    `yaml:"storage"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Download   DownloadConfig   `yaml:"download"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Logging    LoggingInfo      `yaml:"logging"`
	Journal    JournalConfig    `yaml:"journal"`
}

// ServerListen contém o endereço de escuta do broker.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// TLSServer contém os caminhos dos certificados do listener.
// Quando CertFile/KeyFile estão vazios, o broker escuta em ws:// puro.
// CACert é opcional e habilita verificação de certificado de client (mTLS).
type TLSServer struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CACert   string `yaml:"ca_cert"`
}

// Enabled informa se o listener deve usar TLS.
func (t TLSServer) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// StorageConfig contém os diretórios de staging e de downloads finalizados.
type StorageConfig struct {
	StagingDir   string `yaml:"staging_dir"`
	DownloadsDir string `yaml:"downloads_dir"`
}

// DownstreamConfig configura o destino do hand-off de uploads finalizados.
type DownstreamConfig struct {
	Backend string       `yaml:"backend"` // http|s3 (default: http)
	URL     string       `yaml:"url"`     // endpoint do store HTTP
	Token   string       `yaml:"token"`   // bearer credential
	S3      S3Downstream `yaml:"s3"`
}

// S3Downstream contém os parâmetros do backend S3 alternativo.
type S3Downstream struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"` // opcional (stores S3-compatíveis)
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// TransferConfig contém limites do protocolo de chunks e da limpeza de sessões.
type TransferConfig struct {
	MaxFrame        string        `yaml:"max_frame"` // ex: "8mb" (default)
	MaxFrameRaw     int64         `yaml:"-"`
	SessionTTL      time.Duration `yaml:"session_ttl"`      // default: 24h
	CleanupSchedule string        `yaml:"cleanup_schedule"` // cron spec (default: */10 * * * *)
}

// DownloadConfig contém os timeouts do download engine.
type DownloadConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default: 10s
	OverallTimeout time.Duration `yaml:"overall_timeout"` // 0 = sem limite
}

// CatalogConfig configura o collaborator de metadata.
type CatalogConfig struct {
	Driver string `yaml:"driver"` // sqlite|none (default: none)
	DSN    string `yaml:"dsn"`
	Owner  string `yaml:"owner"` // owner registrado para uploads (default: anonymous)
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	File          string `yaml:"file"`
	SessionLogDir string `yaml:"session_log_dir"`
}

// JournalConfig configura a persistência JSONL de eventos de transferência.
type JournalConfig struct {
	EventsFile     string `yaml:"events_file"` // vazio = journal desabilitado
	EventsMaxLines int    `yaml:"events_max_lines"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do broker.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e valida a configuração.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	if c.Storage.StagingDir == "" {
		return fmt.Errorf("storage.staging_dir is required")
	}
	if c.Storage.DownloadsDir == "" {
		return fmt.Errorf("storage.downloads_dir is required")
	}

	switch c.Downstream.Backend {
	case "":
		c.Downstream.Backend = "http"
	case "http", "s3":
	default:
		return fmt.Errorf("downstream.backend must be http or s3, got %q", c.Downstream.Backend)
	}
	if c.Downstream.Backend == "http" && c.Downstream.URL == "" {
		return fmt.Errorf("downstream.url is required for the http backend")
	}
	if c.Downstream.Backend == "s3" {
		if c.Downstream.S3.Bucket == "" {
			return fmt.Errorf("downstream.s3.bucket is required for the s3 backend")
		}
		if c.Downstream.S3.Region == "" {
			return fmt.Errorf("downstream.s3.region is required for the s3 backend")
		}
	}

	if c.Transfer.MaxFrame == "" {
		c.Transfer.MaxFrame = "8mb"
	}
	parsed, err := ParseByteSize(c.Transfer.MaxFrame)
	if err != nil {
		return fmt.Errorf("transfer.max_frame: %w", err)
	}
	if parsed < 64*1024 {
		return fmt.Errorf("transfer.max_frame must be at least 64kb, got %s", c.Transfer.MaxFrame)
	}
	c.Transfer.MaxFrameRaw = parsed

	if c.Transfer.SessionTTL <= 0 {
		c.Transfer.SessionTTL = 24 * time.Hour
	}
	if c.Transfer.CleanupSchedule == "" {
		c.Transfer.CleanupSchedule = "*/10 * * * *"
	}

	if c.Download.ConnectTimeout <= 0 {
		c.Download.ConnectTimeout = 10 * time.Second
	}
	if c.Download.OverallTimeout < 0 {
		return fmt.Errorf("download.overall_timeout must be >= 0")
	}

	switch c.Catalog.Driver {
	case "":
		c.Catalog.Driver = "none"
	case "sqlite":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for the sqlite driver")
		}
	case "none":
	default:
		return fmt.Errorf("catalog.driver must be sqlite or none, got %q", c.Catalog.Driver)
	}
	if c.Catalog.Owner == "" {
		c.Catalog.Owner = "anonymous"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Journal.EventsFile != "" && c.Journal.EventsMaxLines <= 0 {
		c.Journal.EventsMaxLines = 10000
	}

	return nil
}
