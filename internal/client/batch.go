// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// UploadAll envia vários arquivos com concorrência limitada por
// transfer.concurrency. Cada upload usa sua própria conexão; falhas
// individuais não interrompem os demais.
func (u *Uploader) UploadAll(ctx context.Context, paths []string) error {
	sem := make(chan struct{}, u.cfg.Transfer.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := u.UploadFile(ctx, path); err != nil {
				u.logger.Error("upload failed", "file", path, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
				return
			}
		}(path)
	}

	wg.Wait()
	return errors.Join(errs...)
}
