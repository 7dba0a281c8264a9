package main

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zhaba.dev/internal/config"
	"zhaba.dev/internal/persistence/imagestore"
	"zhaba.dev/internal/persistence/r2s3"
)

const (
	mirrorQueueCapacity = 256
	mirrorEnqueueWait   = 50 * time.Millisecond
)

// buildMirror returns nil when no mirror endpoint is configured.
func buildMirror(cfg config.MirrorConfig, images *imagestore.Store, reg prometheus.Registerer, logger *log.Logger) (*r2s3.Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Bucket) == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("mirror.endpoint is set but mirror.bucket/access_key_id/secret_access_key are not fully set")
	}
	client, err := r2s3.New(cfg.Endpoint, cfg.Bucket, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	m := r2s3.NewMirror(client, images, cfg.Prefix, cfg.Workers, mirrorQueueCapacity, mirrorEnqueueWait, logger)
	if err := m.RegisterMetrics(reg); err != nil {
		m.Close()
		return nil, err
	}
	logger.Printf("mirroring images to bucket=%s prefix=%s workers=%d", cfg.Bucket, cfg.Prefix, cfg.Workers)
	return m, nil
}
