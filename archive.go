package tillsync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// ArchiveConfig configures the S3 audit archiver. Archiving copies
// settled operations and retired configuration versions to object storage
// for long-term audit retention; nothing is ever deleted from the local
// log.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Bucket  string `yaml:"bucket" json:"bucket"`
	Region  string `yaml:"region" json:"region"`
	// Endpoint for S3-compatible services (MinIO, etc.)
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// instead of setting these directly.
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	// Prefix is prepended to every object key.
	Prefix       string `yaml:"prefix" json:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`

	// Interval between archive passes. Default: 15m
	Interval time.Duration `yaml:"interval" json:"interval"`
	// MinAge is how long an operation must be settled before it is
	// exported. Default: 1h
	MinAge time.Duration `yaml:"min_age" json:"min_age"`
	// BatchSize caps operations per exported object. Default: 500
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxRetries for uploads. Default: 3
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// ObjectUploader writes one archive object. Satisfied by the S3 client
// wrapper; tests substitute an in-memory implementation.
type ObjectUploader interface {
	Put(ctx context.Context, key string, data []byte) error
}

// s3Uploader uploads archive objects to S3 or an S3-compatible service.
type s3Uploader struct {
	client *s3.Client
	bucket string
}

// newS3Uploader builds an S3 client from the archive configuration.
func newS3Uploader(cfg ArchiveConfig) (*s3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &s3Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Put implements ObjectUploader.
func (u *s3Uploader) Put(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

// AuditArchiver periodically exports settled operations and retired
// configuration versions to object storage.
type AuditArchiver struct {
	store    *SyncStore
	uploader ObjectUploader
	retryer  *Retryer
	config   ArchiveConfig
}

// newAuditArchiver creates an archiver; uploader may be pre-built (tests)
// or nil to construct the S3 client from the config.
func newAuditArchiver(store *SyncStore, uploader ObjectUploader, cfg ArchiveConfig) (*AuditArchiver, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	if uploader == nil {
		var err error
		uploader, err = newS3Uploader(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &AuditArchiver{
		store:    store,
		uploader: uploader,
		config:   cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

// archivedOperationBatch is the exported object layout for operations.
type archivedOperationBatch struct {
	ExportedAt time.Time    `json:"exported_at"`
	Operations []*Operation `json:"operations"`
}

// RunOnce performs one archive pass and reports how many operations and
// configuration versions were exported.
func (a *AuditArchiver) RunOnce(ctx context.Context) (ops, versions int, err error) {
	cutoff := time.Now().Add(-a.config.MinAge)

	batch, err := a.store.UnarchivedSettledOperations(ctx, cutoff, a.config.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(batch) > 0 {
		key := fmt.Sprintf("%sops/%d.json.sz", a.config.Prefix, time.Now().UnixNano())
		data, err := json.Marshal(archivedOperationBatch{
			ExportedAt: time.Now(),
			Operations: batch,
		})
		if err != nil {
			return 0, 0, fmt.Errorf("marshal operation batch: %w", err)
		}

		result := a.retryer.Do(ctx, func() error {
			return a.uploader.Put(ctx, key, snappy.Encode(nil, data))
		})
		if result.LastErr != nil {
			return 0, 0, fmt.Errorf("upload operation batch: %w", result.LastErr)
		}

		ids := make([]string, len(batch))
		for i, op := range batch {
			ids[i] = op.OpID
		}
		if err := a.store.MarkOperationsArchived(ctx, ids, time.Now()); err != nil {
			return 0, 0, err
		}
		ops = len(batch)
	}

	retired, err := a.store.UnarchivedRetiredConfigVersions(ctx, a.config.BatchSize)
	if err != nil {
		return ops, 0, err
	}
	for _, cv := range retired {
		key := fmt.Sprintf("%sconfig/%d/%d.json.sz", a.config.Prefix, cv.VenueID, cv.Version)
		data, err := json.Marshal(cv)
		if err != nil {
			return ops, versions, fmt.Errorf("marshal config version: %w", err)
		}

		result := a.retryer.Do(ctx, func() error {
			return a.uploader.Put(ctx, key, snappy.Encode(nil, data))
		})
		if result.LastErr != nil {
			return ops, versions, fmt.Errorf("upload config version: %w", result.LastErr)
		}

		if err := a.store.MarkConfigVersionArchived(ctx, cv.VenueID, cv.Version, time.Now()); err != nil {
			return ops, versions, err
		}
		versions++
	}

	if ops > 0 || versions > 0 {
		slog.Info("audit archive pass finished", "operations", ops, "config_versions", versions)
	}
	return ops, versions, nil
}

// --- Store methods ---

// UnarchivedSettledOperations lists settled operations created before the
// cutoff that have not been exported yet.
func (s *SyncStore) UnarchivedSettledOperations(ctx context.Context, cutoff time.Time, limit int) ([]*Operation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status IN (?, ?, ?) AND archived_at IS NULL AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusConflict),
		cutoff.UnixNano(), limit)
	if err != nil {
		return nil, newStoreError("archive", "failed to select settled operations", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkOperationsArchived stamps exported operations.
func (s *SyncStore) MarkOperationsArchived(ctx context.Context, opIDs []string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("archive", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, id := range opIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE operations SET archived_at = ? WHERE op_id = ?`,
			at.UnixNano(), id); err != nil {
			return newStoreError("archive", "failed to mark operation archived", err)
		}
	}
	return tx.Commit()
}

// UnarchivedRetiredConfigVersions lists non-active configuration versions
// that have not been exported yet.
func (s *SyncStore) UnarchivedRetiredConfigVersions(ctx context.Context, limit int) ([]*ConfigVersion, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT venue, version, content_hash, snapshot, change_summary, created_at
		FROM config_versions
		WHERE active = 0 AND archived_at IS NULL
		ORDER BY venue, version LIMIT ?`, limit)
	if err != nil {
		return nil, newStoreError("archive", "failed to select retired versions", err)
	}
	defer rows.Close()

	var versions []*ConfigVersion
	for rows.Next() {
		var cv ConfigVersion
		var stored []byte
		var summary sql.NullString
		var createdAt int64
		if err := rows.Scan(&cv.VenueID, &cv.Version, &cv.ContentHash, &stored,
			&summary, &createdAt); err != nil {
			return nil, newStoreError("archive", "failed to scan config version", err)
		}
		snapshot, err := s.decodeSnapshot(stored)
		if err != nil {
			return nil, newStoreError("archive", "failed to decode snapshot", err)
		}
		cv.Snapshot = snapshot
		cv.ChangeSummary = summary.String
		cv.CreatedAt = time.Unix(0, createdAt)
		versions = append(versions, &cv)
	}
	return versions, rows.Err()
}

// MarkConfigVersionArchived stamps an exported configuration version.
func (s *SyncStore) MarkConfigVersionArchived(ctx context.Context, venue, version int64, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE config_versions SET archived_at = ? WHERE venue = ? AND version = ?`,
		at.UnixNano(), venue, version)
	if err != nil {
		return newStoreError("archive", "failed to mark version archived", err)
	}
	return nil
}
