// Package reliability mirrors the memory store's cold-spill tier to an
// S3-compatible bucket, grounded on the teacher's R2 backup service
// (internal/reliability/r2_backup_service.go): archive the spill
// directory into a single tar.gz, upload it, and rotate old archives.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/pkg/logger"
)

// Config configures the S3-compatible mirror target.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for R2 and other S3-compatible providers
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // object key prefix, defaults to "sentinel-memory-backup-"
}

// Mirror uploads tar.gz archives of the memory store's cold-spill
// directory to an S3-compatible bucket and prunes old archives.
type Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewMirror constructs a Mirror from static credentials, mirroring the
// teacher's R2 client construction but built directly on aws-sdk-go-v2
// rather than a private wrapper type.
func NewMirror(ctx context.Context, cfg Config, log zerolog.Logger) (*Mirror, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sentinel-memory-backup-"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("reliability: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Mirror{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
		log:      logger.Component(log, "reliability_mirror"),
	}, nil
}

// ArchiveInfo describes one uploaded spill-directory archive.
type ArchiveInfo struct {
	Key       string
	Timestamp time.Time
	SizeBytes int64
}

// SyncSpillDir archives spillDir into a single tar.gz and uploads it.
// Returns the checksum of the uploaded archive for verification.
func (m *Mirror) SyncSpillDir(ctx context.Context, spillDir string) (checksum string, err error) {
	start := time.Now()

	staging, err := os.MkdirTemp("", "sentinel-mirror-*")
	if err != nil {
		return "", fmt.Errorf("reliability: create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	timestamp := time.Now().UTC().Format("2006-01-02-150405")
	archivePath := filepath.Join(staging, fmt.Sprintf("%s%s.tar.gz", m.prefix, timestamp))

	if err := archiveDirectory(archivePath, spillDir); err != nil {
		return "", fmt.Errorf("reliability: archive spill dir: %w", err)
	}

	sum, err := checksumFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("reliability: checksum archive: %w", err)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("reliability: open archive: %w", err)
	}
	defer file.Close()

	key := fmt.Sprintf("%s%s.tar.gz", m.prefix, timestamp)
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   file,
	}); err != nil {
		return "", fmt.Errorf("reliability: upload archive: %w", err)
	}

	m.log.Info().
		Str("key", key).
		Str("checksum", sum).
		Dur("duration", time.Since(start)).
		Msg("mirrored spill directory to S3")

	return sum, nil
}

// ListArchives lists mirrored archives newest-first.
func (m *Mirror) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(m.prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("reliability: list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		ts, ok := parseArchiveTimestamp(*obj.Key, m.prefix)
		if !ok {
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		archives = append(archives, ArchiveInfo{Key: *obj.Key, Timestamp: ts, SizeBytes: size})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Timestamp.After(archives[j].Timestamp) })
	return archives, nil
}

// RotateOldArchives deletes archives older than retention, always
// keeping at least minKeep (newest-first) regardless of age.
func (m *Mirror) RotateOldArchives(ctx context.Context, retention time.Duration, minKeep int) (deleted int, err error) {
	archives, err := m.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= minKeep {
		return 0, nil
	}

	cutoff := time.Now().Add(-retention)
	for i, a := range archives {
		if i < minKeep || retention <= 0 {
			continue
		}
		if a.Timestamp.After(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(a.Key),
		}); err != nil {
			m.log.Error().Err(err).Str("key", a.Key).Msg("failed to delete old archive")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func parseArchiveTimestamp(key, prefix string) (time.Time, bool) {
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".tar.gz")
	ts, err := time.Parse("2006-01-02-150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func archiveDirectory(archivePath, sourceDir string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gz := gzip.NewWriter(archiveFile)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(sourceDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFileToArchive(tw, filepath.Join(sourceDir, e.Name()), e.Name()); err != nil {
			return fmt.Errorf("add %s: %w", e.Name(), err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{Name: nameInArchive, Size: info.Size(), Mode: int64(info.Mode()), ModTime: info.ModTime()}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
