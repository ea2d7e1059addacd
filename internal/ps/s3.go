package ps

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/sharedcode/tlog"
)

// S3Store is an S3-backed Store (spec SPEC_FULL.md §B "Archive Persistent Store tier"): one
// object per row, keyed by the same sorted byte key as FSStore and CassandraStore so
// ReadRange/ReadValue behave the same. cmd/tlogd selects one backend per process; no code moves
// rows between backends.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string

	mu      sync.Mutex
	pending map[string][]byte
}

// S3Credentials carries the static access key pair used when no ambient AWS credential chain
// (env vars, shared config, instance role) is available, e.g. under test or against a
// S3-compatible endpoint.
type S3Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// OpenS3 builds an S3Store against bucket/prefix in region. If creds is the zero value, the
// SDK's built-in anonymous/ambient-environment credentials are left untouched; otherwise a
// static credentials provider is installed, grounded on the teacher's domain-stack pairing of
// aws-sdk-go-v2's credentials package for non-ambient deployments (e.g. against a
// S3-compatible endpoint under test).
func OpenS3(ctx context.Context, bucket, prefix, region string, creds S3Credentials) (*S3Store, error) {
	cfg := aws.Config{Region: region}
	if creds.AccessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		pending:  make(map[string][]byte),
	}, nil
}

func (s *S3Store) objectKey(key []byte) string {
	return s.prefix + hexKey(key)
}

func hexKey(key []byte) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(key)*2)
	for i, b := range key {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

func unhexKey(s string) []byte {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := strings.IndexByte(hextable, s[i*2])
		lo := strings.IndexByte(hextable, s[i*2+1])
		out[i] = byte(hi<<4 | lo)
	}
	return out
}

func (s *S3Store) Init(ctx context.Context) error {
	return s.Set(ctx, FormatKey(), []byte(FormatValue))
}

func (s *S3Store) Set(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *S3Store) Clear(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = nil
	return nil
}

func (s *S3Store) ClearRange(ctx context.Context, begin, end []byte) error {
	rows, err := s.ReadRange(ctx, begin, end, 0, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range rows {
		s.pending[string(kv.Key)] = nil
	}
	return nil
}

func (s *S3Store) ReadValue(ctx context.Context, key []byte) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nf *s3.NoSuchKey
		var apiErr smithy.APIError
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, tlog.NewError(tlog.FileIOError, s.bucket, err)
	}
	defer out.Body.Close()
	value, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, tlog.NewError(tlog.FileIOError, s.bucket, err)
	}
	return value, true, nil
}

func (s *S3Store) ReadRange(ctx context.Context, begin, end []byte, limit int, byteLimit int64) ([]KV, error) {
	var rows []KV
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, tlog.NewError(tlog.FileIOError, s.bucket, err)
		}
		for _, obj := range page.Contents {
			key := unhexKey(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
			if !inRange(key, begin, end) {
				continue
			}
			value, ok, err := s.ReadValue(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok {
				rows = append(rows, KV{Key: key, Value: value})
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i].Key, rows[j].Key) < 0 })
	var bytesSeen int64
	out := rows[:0]
	for _, kv := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if byteLimit > 0 && bytesSeen+int64(len(kv.Value)) > byteLimit && len(out) > 0 {
			break
		}
		out = append(out, kv)
		bytesSeen += int64(len(kv.Value))
	}
	return out, nil
}

// Commit uploads every pending row via the manager.Uploader, bounding concurrency with a
// tlog.TaskRunner so a large archival batch never opens more than a handful of simultaneous
// multipart uploads against the bucket. Each row is a separate request, so unlike the Store
// contract the batch is not atomic: an error part-way leaves some rows applied and others not.
func (s *S3Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string][]byte)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([]tlog.KeyValuePair[string, []byte], 0, len(pending))
	for k, v := range pending {
		rows = append(rows, tlog.KeyValuePair[string, []byte]{Key: k, Value: v})
	}

	runner := tlog.NewTaskRunner(ctx, 8)
	for _, row := range rows {
		row := row
		runner.Go(func() error {
			if row.Value == nil {
				_, err := s.client.DeleteObject(runner.GetContext(), &s3.DeleteObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(s.objectKey([]byte(row.Key))),
				})
				if err != nil {
					return tlog.NewError(tlog.FileIOError, s.bucket, err)
				}
				return nil
			}
			_, err := s.uploader.Upload(runner.GetContext(), &s3.PutObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.objectKey([]byte(row.Key))),
				Body:   bytes.NewReader(row.Value),
			})
			if err != nil {
				return tlog.NewError(tlog.FileIOError, s.bucket, err)
			}
			return nil
		})
	}
	if err := runner.Wait(); err != nil {
		return err
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func (s *S3Store) Dispose(ctx context.Context) error {
	return s.ClearRange(ctx, nil, nil)
}

func (s *S3Store) GetStorageBytes(ctx context.Context) (int64, error) {
	var total int64
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, tlog.NewError(tlog.FileIOError, s.bucket, err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return total, nil
}
