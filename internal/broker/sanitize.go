// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxPathComponentLength é o comprimento máximo para fileId e fileName.
const maxPathComponentLength = 255

// sanitizeFileName reduz um nome vindo do client ao seu basename,
// descartando qualquer componente de diretório. Previne path traversal
// via fileName.
func sanitizeFileName(name string) (string, error) {
	// Clients Windows mandam backslash como separador
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)

	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("file name contains null byte")
	}
	if len(base) > maxPathComponentLength {
		return "", fmt.Errorf("file name exceeds max length %d", maxPathComponentLength)
	}
	return base, nil
}

// validateFileID valida que um fileId é seguro como componente de caminho.
func validateFileID(fileID string) error {
	if fileID == "" {
		return fmt.Errorf("fileId cannot be empty")
	}
	if len(fileID) > maxPathComponentLength {
		return fmt.Errorf("fileId exceeds max length %d", maxPathComponentLength)
	}
	if strings.ContainsAny(fileID, "/\\") {
		return fmt.Errorf("fileId contains path separator")
	}
	if strings.ContainsRune(fileID, 0) {
		return fmt.Errorf("fileId contains null byte")
	}
	if fileID == "." || fileID == ".." || strings.HasPrefix(fileID, ".") {
		return fmt.Errorf("fileId starts with dot")
	}
	return nil
}
