// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// UploadMeta descreve o arquivo entregue ao downstream store.
type UploadMeta struct {
	FileID   string
	FileName string
	FileSize int64
	FolderID string
}

// Downstream recebe arquivos finalizados. A entrega é single-shot: sem
// retry embutido; o estado terminal da sessão reflete o resultado.
type Downstream interface {
	// Upload envia o corpo em streaming e retorna o id remoto do arquivo.
	Upload(ctx context.Context, meta UploadMeta, body io.Reader) (string, error)
}

// HTTPDownstream entrega arquivos via um único POST streaming.
type HTTPDownstream struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPDownstream cria o backend HTTP do hand-off.
func NewHTTPDownstream(url, token string) *HTTPDownstream {
	return &HTTPDownstream{
		url:   url,
		token: token,
		// Sem timeout global: o corpo pode ser arbitrariamente grande
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// Upload posta o arquivo como corpo streaming com os headers de metadata.
// 2xx com JSON {file_id} confirma; qualquer outro resultado é erro.
func (d *HTTPDownstream) Upload(ctx context.Context, meta UploadMeta, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, body)
	if err != nil {
		return "", fmt.Errorf("building downstream request: %w", err)
	}

	req.ContentLength = meta.FileSize
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Name", meta.FileName)
	req.Header.Set("X-File-Size", strconv.FormatInt(meta.FileSize, 10))
	req.Header.Set("X-File-ID", meta.FileID)
	if meta.FolderID != "" {
		req.Header.Set("X-Folder-ID", meta.FolderID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to downstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drena um trecho do corpo para diagnóstico
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("downstream returned %d: %s", resp.StatusCode, snippet)
	}

	var result struct {
		FileID any `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding downstream response: %w", err)
	}
	if result.FileID == nil {
		return "", fmt.Errorf("downstream response missing file_id")
	}

	// O store pode devolver file_id numérico ou string
	switch v := result.FileID.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
