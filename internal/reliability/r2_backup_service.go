// Package reliability holds ambient durability concerns that are not part
// of the trading domain itself: off-box encrypted backups of the SQLite
// database. The daily maintenance job is not here; it is registered in
// cmd/server over internal/database.
package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/signalmirror/internal/modules/credentials"
)

// R2BackupConfig configures the S3-compatible off-box backup target.
type R2BackupConfig struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// R2BackupService archives the engine's SQLite database, encrypts it with
// the same master key the credential store uses, and uploads it to an
// S3-compatible bucket (Cloudflare R2 in production).
type R2BackupService struct {
	client       *s3.Client
	bucket       string
	dbPath       string
	masterKey    string
	log          zerolog.Logger
}

// BackupMetadata describes one backup archive.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	DBName    string    `json:"db_name"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupInfo is one listed object in the bucket.
type BackupInfo struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
	AgeHours  int64
}

// NewR2BackupService builds an S3 client pointed at cfg.Endpoint (R2's
// S3-compatible API) using static credentials, per the teacher's pattern of
// constructing its cloud clients explicitly rather than reaching for ambient
// environment credential chains.
func NewR2BackupService(cfg R2BackupConfig, dbPath, masterKey string, log zerolog.Logger) (*R2BackupService, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &R2BackupService{
		client:    client,
		bucket:    cfg.Bucket,
		dbPath:    dbPath,
		masterKey: masterKey,
		log:       log.With().Str("component", "r2_backup").Logger(),
	}, nil
}

// CreateAndUpload snapshots the database, encrypts the archive, and uploads
// it. The live connection is never closed; SQLite's WAL mode means a plain
// file copy of a checkpointed database is a consistent point-in-time image.
func (s *R2BackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()

	raw, err := os.ReadFile(s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to read database file: %w", err)
	}
	checksum := fmt.Sprintf("sha256:%x", sha256.Sum256(raw))

	meta := BackupMetadata{
		Timestamp: start.UTC(),
		DBName:    filepath.Base(s.dbPath),
		SizeBytes: int64(len(raw)),
		Checksum:  checksum,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal backup metadata: %w", err)
	}

	archive, err := buildArchive(filepath.Base(s.dbPath), raw, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	ciphertext, err := credentials.Encrypt(s.masterKey, archive)
	if err != nil {
		return fmt.Errorf("failed to encrypt backup archive: %w", err)
	}

	key := fmt.Sprintf("signalmirror-backup-%s.tar.gz.enc", start.Format("2006-01-02-150405"))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(ciphertext),
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup to r2: %w", err)
	}

	s.log.Info().
		Dur("duration", time.Since(start)).
		Str("key", key).
		Int("size_bytes", len(ciphertext)).
		Msg("R2 backup uploaded")
	return nil
}

// ListBackups returns uploaded backups, newest first.
func (s *R2BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("signalmirror-backup-"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list r2 backups: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		ts, err := parseBackupTimestamp(*obj.Key)
		if err != nil {
			s.log.Warn().Str("key", *obj.Key).Msg("failed to parse backup timestamp, skipping")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Key:       *obj.Key,
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// RotateOldBackups deletes backups older than retentionDays, always keeping
// at least minBackupsToKeep regardless of age.
const minBackupsToKeep = 3

func (s *R2BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups for rotation: %w", err)
	}
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(b.Key),
		})
		if err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}
	s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("R2 backup rotation complete")
	return nil
}

func parseBackupTimestamp(key string) (time.Time, error) {
	name := strings.TrimPrefix(key, "signalmirror-backup-")
	name = strings.TrimSuffix(name, ".tar.gz.enc")
	return time.Parse("2006-01-02-150405", name)
}

func buildArchive(dbName string, dbContent, metaContent []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := []struct {
		name    string
		content []byte
	}{
		{dbName, dbContent},
		{"backup-metadata.json", metaContent},
	}
	for _, f := range files {
		header := &tar.Header{
			Name: f.name,
			Size: int64(len(f.content)),
			Mode: 0600,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
