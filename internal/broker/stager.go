// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// partSuffix é a extensão dos arquivos de staging em andamento.
const partSuffix = ".part"

// Stager gerencia os arquivos de staging em disco: append-only com fsync
// por chunk e finalize por rename atômico no mesmo filesystem.
type Stager struct {
	stagingDir   string
	downloadsDir string
}

// NewStager cria o stager e garante que os diretórios existem.
func NewStager(stagingDir, downloadsDir string) (*Stager, error) {
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.MkdirAll(downloadsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}
	return &Stager{stagingDir: stagingDir, downloadsDir: downloadsDir}, nil
}

// StagingDir retorna o diretório de staging.
func (st *Stager) StagingDir() string { return st.stagingDir }

// DownloadsDir retorna o diretório de downloads finalizados.
func (st *Stager) DownloadsDir() string { return st.downloadsDir }

// PartPath deriva o caminho do part file de uma sessão.
func (st *Stager) PartPath(fileID, sanitizedName string) string {
	return filepath.Join(st.stagingDir, fileID+"_"+sanitizedName+partSuffix)
}

// DownloadTempPath deriva o caminho temporário de um download em andamento.
func (st *Stager) DownloadTempPath(sessionID, filename string) string {
	return filepath.Join(st.stagingDir, sessionID+"_"+filename+".download")
}

// PartSize retorna o tamanho atual do part file, ou 0 se não existe.
// É a única fonte de verdade para reconciliar o offset no start.
func PartSize(partPath string) (int64, error) {
	info, err := os.Stat(partPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat part file: %w", err)
	}
	return info.Size(), nil
}

// AppendChunk escreve os bytes no final do part file e força fsync antes
// de retornar. Append sempre em end-of-file: o stager nunca faz seek.
func AppendChunk(partPath string, data []byte) error {
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening part file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing part file: %w", err)
	}
	return nil
}

// Finalize renomeia o part file para o caminho final local. Se o destino
// já existe, escolhe um nome livre com sufixo " (N)" antes da extensão.
func (st *Stager) Finalize(partPath string) (string, error) {
	finalPath := freeUploadName(strings.TrimSuffix(partPath, partSuffix))
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("renaming part to final: %w", err)
	}
	return finalPath, nil
}

// PlaceDownload move o temp file de um download para o diretório de
// downloads, com sufixo "_N" em caso de colisão.
func (st *Stager) PlaceDownload(tempPath, filename string) (string, error) {
	dest := freeDownloadName(st.downloadsDir, filename)
	if err := os.Rename(tempPath, dest); err != nil {
		return "", fmt.Errorf("placing download: %w", err)
	}
	return dest, nil
}

// freeUploadName devolve path se livre, senão "base (N)ext" com o menor N≥1.
func freeUploadName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// freeDownloadName devolve dir/filename se livre, senão "base_Next".
func freeDownloadName(dir, filename string) string {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
