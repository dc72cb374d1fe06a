package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/config"
	"ims/internal/repository"
)

const archiveBatchSize = 500

// Archiver uploads dead-letter batches to an S3-compatible bucket so the
// local store stays small and failed payloads survive host loss.
type Archiver struct {
	uploader    *manager.Uploader
	bucket      string
	deadLetters *repository.DeadLetterRepo
	logger      zerolog.Logger
}

// NewArchiver builds an archiver from the archive configuration. Returns
// nil, nil when archiving is disabled.
func NewArchiver(ctx context.Context, cfg *config.Config, deadLetters *repository.DeadLetterRepo) (*Archiver, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ArchiveRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = &cfg.ArchiveEndpoint
		}
		o.UsePathStyle = true
	})

	return &Archiver{
		uploader:    manager.NewUploader(client),
		bucket:      cfg.ArchiveBucket,
		deadLetters: deadLetters,
		logger:      log.With().Str("component", "archiver").Logger(),
	}, nil
}

// Run archives one batch of unarchived dead-letter entries. Returns the
// number of entries uploaded.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	entries, err := a.deadLetters.Unarchived(ctx, archiveBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	archive, err := buildArchive(entries)
	if err != nil {
		return 0, err
	}

	sum := sha256.Sum256(archive)
	checksum := hex.EncodeToString(sum[:])
	now := time.Now().UTC()
	key := fmt.Sprintf("dead-letter/%s/ims-dlq-%d.tar.gz",
		now.Format("2006/01/02"), now.UnixNano())

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(archive),
		Metadata: map[string]string{
			"sha256":  checksum,
			"entries": fmt.Sprintf("%d", len(entries)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload dead-letter archive: %w", err)
	}

	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if err := a.deadLetters.MarkArchived(ctx, ids); err != nil {
		// The upload succeeded; the next run re-uploads the same entries,
		// which is wasteful but safe.
		return 0, err
	}

	a.logger.Info().
		Int("entries", len(entries)).
		Str("key", key).
		Str("sha256", checksum).
		Msg("dead-letter batch archived")
	return len(entries), nil
}

// buildArchive packs entries into a tar.gz, one file per entry named by its
// id and event id.
func buildArchive(entries []*repository.DeadLetterEntry) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		name := fmt.Sprintf("%d-%s.msgpack", entry.ID, entry.EventID)
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(entry.Payload)),
			ModTime: entry.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write archive header for %s: %w", name, err)
		}
		if _, err := tw.Write(entry.Payload); err != nil {
			return nil, fmt.Errorf("failed to write archive entry %s: %w", name, err)
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
