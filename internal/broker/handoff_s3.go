// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-transfer/internal/config"
)

// S3Downstream entrega arquivos finalizados como objetos S3. O id remoto
// é a key do objeto.
type S3Downstream struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Downstream constrói o backend S3 a partir da configuração.
// Com endpoint custom (MinIO etc.) usa path-style addressing.
func NewS3Downstream(ctx context.Context, cfg config.S3Downstream) (*S3Downstream, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Downstream{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload grava o objeto em {prefix}/{fileId}_{fileName}.
func (d *S3Downstream) Upload(ctx context.Context, meta UploadMeta, body io.Reader) (string, error) {
	key := meta.FileID + "_" + meta.FileName
	if d.prefix != "" {
		key = path.Join(d.prefix, key)
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(meta.FileSize),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}

	return key, nil
}
