package jobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config controls the S3-compatible job-state backend, for domains whose
// hosts share an object store instead of a filesystem.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
}

// S3Store implements Store on S3-compatible object storage. Object PUTs are
// atomic per key, which is all the Record contract needs.
type S3Store struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Store dials the endpoint; it does not verify the bucket, so a
// misconfiguration surfaces on first use rather than at startup.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("jobstore: s3 bucket required")
	}
	opts := &minio.Options{
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("jobstore: s3 client: %w", err)
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

func (s *S3Store) key(id string) string {
	return path.Join(s.cfg.Prefix, "jobs", id+".json")
}

// Put uploads the encoded record.
func (s *S3Store) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", rec.ID, err)
	}
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.key(rec.ID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("jobstore: put %s: %w", rec.ID, err)
	}
	return nil
}

// Get downloads and decodes one record.
func (s *S3Store) Get(ctx context.Context, id string) (*Record, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("jobstore: read %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("jobstore: decode %s: %w", id, err)
	}
	return &rec, nil
}

// List scans the jobs prefix.
func (s *S3Store) List(ctx context.Context) ([]*Record, error) {
	prefix := path.Join(s.cfg.Prefix, "jobs") + "/"
	var out []*Record
	for info := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("jobstore: list: %w", info.Err)
		}
		name := strings.TrimSuffix(path.Base(info.Key), ".json")
		rec, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record object.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	// RemoveObject succeeds for missing keys on most S3 implementations;
	// probe first so double clears are reported like the file backend.
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, s.key(id), minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("jobstore: stat %s: %w", id, err)
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.key(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("jobstore: delete %s: %w", id, err)
	}
	return nil
}

// Close satisfies Store.
func (s *S3Store) Close() error { return nil }

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
