// Package harden signs assembled audit pack archives and places them under
// write-once object storage. The pipeline only depends on the returned
// package identity and storage key; retention enforcement belongs to the
// object store.
package harden

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"timevault/api/internal/auditpack"
	"timevault/api/internal/store"
)

type dataStore interface {
	InsertAuditExportPackage(ctx context.Context, pkg store.AuditExportPackage) error
}

// Service implements the hardening step against a MinIO/S3 bucket with
// object locking enabled.
type Service struct {
	client    *minio.Client
	bucket    string
	retention time.Duration
	store     dataStore
	log       zerolog.Logger
}

// Config carries the object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Retention time.Duration
}

func New(cfg Config, dataStore dataStore, log zerolog.Logger) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Service{
		client:    client,
		bucket:    cfg.Bucket,
		retention: cfg.Retention,
		store:     dataStore,
		log:       log,
	}, nil
}

// EnsureBucket creates the bucket with object locking when it does not
// exist yet. Locking can only be enabled at bucket creation.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{ObjectLocking: true}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// HardenExport digests the archive, writes it under compliance retention,
// and records the package row. The object key is derived from the export
// identity and content digest, never from the clock, so a retried
// generation with identical bytes lands on the same key.
func (s *Service) HardenExport(ctx context.Context, input auditpack.HardenInput) (auditpack.HardenResult, error) {
	digest := archiveDigest(input.Archive)
	key := objectKey(input.OrganizationID, input.ExportID, digest)
	packageID := "aep_" + uuid.NewString()

	retainUntil := time.Now().UTC().Add(s.retention)
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(input.Archive), int64(len(input.Archive)),
		minio.PutObjectOptions{
			ContentType:     "application/zip",
			Mode:            minio.Compliance,
			RetainUntilDate: retainUntil,
			UserMetadata: map[string]string{
				"sha256":      digest,
				"export-type": input.ExportType,
			},
		})
	if err != nil {
		return auditpack.HardenResult{}, fmt.Errorf("store hardened archive: %w", err)
	}

	pkg := store.AuditExportPackage{
		ID:             packageID,
		OrganizationID: input.OrganizationID,
		RequestedByID:  input.RequestedByID,
		ExportType:     input.ExportType,
		S3Key:          key,
		SHA256:         digest,
		SizeBytes:      int64(len(input.Archive)),
	}
	if err := s.store.InsertAuditExportPackage(ctx, pkg); err != nil {
		return auditpack.HardenResult{}, fmt.Errorf("record export package: %w", err)
	}

	s.log.Info().
		Str("package_id", packageID).
		Str("s3_key", key).
		Str("sha256", digest).
		Time("retain_until", retainUntil).
		Msg("archive hardened")

	return auditpack.HardenResult{AuditPackageID: packageID, S3Key: key}, nil
}

func archiveDigest(archive []byte) string {
	sum := sha256.Sum256(archive)
	return hex.EncodeToString(sum[:])
}

func objectKey(organizationID, exportID, digest string) string {
	return fmt.Sprintf("audit-packs/%s/%s/%s.zip", organizationID, exportID, digest[:16])
}
