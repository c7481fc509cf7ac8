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

// ClientConfig representa a configuração do ntransfer-client.
type ClientConfig struct {
	Server   ClientServer   `yaml:"server"`
	TLS      TLSClient      `yaml:"tls"`
	Transfer ClientTransfer `yaml:"transfer"`
	Logging  LoggingInfo    `yaml:"logging"`
}

// ClientServer contém o endpoint WebSocket do broker.
type ClientServer struct {
	URL string `yaml:"url"` // ex: ws://host:8765/ws ou wss://...
}

// TLSClient contém certificados de client para brokers com mTLS habilitado.
type TLSClient struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CACert   string `yaml:"ca_cert"`
	Insecure bool   `yaml:"insecure"` // pula verificação do certificado do broker
}

// ClientTransfer contém os parâmetros de upload.
type ClientTransfer struct {
	ChunkSize    string        `yaml:"chunk_size"` // default: 256kb
	ChunkSizeRaw int64         `yaml:"-"`
	Concurrency  int           `yaml:"concurrency"` // uploads simultâneos em batch (default: 3)
	RateLimit    string        `yaml:"rate_limit"`  // ex: "4mb" por segundo; vazio = ilimitado
	RateLimitRaw int64         `yaml:"-"`
	AckTimeout   time.Duration `yaml:"ack_timeout"` // espera por chunk-ack (default: 30s)
	Exclude      []string      `yaml:"exclude"`     // globs ignorados na coleta de diretórios
}

// LoadClientConfig lê e valida o arquivo YAML de configuração do client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e valida a configuração do client.
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	if c.Transfer.ChunkSize == "" {
		c.Transfer.ChunkSize = "256kb"
	}
	parsed, err := ParseByteSize(c.Transfer.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if parsed < 4*1024 {
		return fmt.Errorf("transfer.chunk_size must be at least 4kb, got %s", c.Transfer.ChunkSize)
	}
	c.Transfer.ChunkSizeRaw = parsed

	if c.Transfer.Concurrency <= 0 {
		c.Transfer.Concurrency = 3
	}
	if c.Transfer.RateLimit != "" {
		limit, err := ParseByteSize(c.Transfer.RateLimit)
		if err != nil {
			return fmt.Errorf("transfer.rate_limit: %w", err)
		}
		c.Transfer.RateLimitRaw = limit
	}
	if c.Transfer.AckTimeout <= 0 {
		c.Transfer.AckTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}
