// internal/worker/s3_uploader.go
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"

	"syncmon/internal/config"
	"syncmon/internal/metrics"
)

// Uploader 는 archive 경로가 쓰는 object 저장소 port.
type Uploader interface {
	// UploadBytes 는 메모리 상의 gzip JSONL 배치를 업로드한다.
	UploadBytes(ctx context.Context, key string, body []byte) error
	// UploadFile 은 로컬 DLQ 파일을 업로드한다. 재시도마다 처음으로 rewind 한다.
	UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// putObjectAPI 는 s3.Client 중 실제로 쓰는 부분.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const (
	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// S3Uploader
// ------------------------------------------------------------
// SDK retry 는 0 으로 끄고 app 레벨에서만 재시도한다.
//   - 시도 횟수: S3AppRetries
//   - 시도 1회당 timeout: S3Timeout
//   - 시도 사이: exponential backoff (200ms → 최대 2s)
//   - ctx 취소 시 즉시 중단
type S3Uploader struct {
	client  putObjectAPI
	bucket  string
	timeout time.Duration
	retries int
	metrics *metrics.Metrics
}

// NewS3Uploader 는 기본 credential chain 으로 S3 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return newS3Uploader(client, cfg.ArchiveBucket, cfg.S3Timeout, cfg.S3AppRetries, m), nil
}

func newS3Uploader(client putObjectAPI, bucket string, timeout time.Duration, retries int, m *metrics.Metrics) *S3Uploader {
	if retries < 1 {
		retries = 1
	}
	return &S3Uploader{
		client:  client,
		bucket:  bucket,
		timeout: timeout,
		retries: retries,
		metrics: m,
	}
}

func (u *S3Uploader) UploadBytes(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func() error {
		return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

func (u *S3Uploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewind: %w", err))
		}
		return u.putObject(ctx, key, f, size)
	})
}

func (u *S3Uploader) withRetry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryInitialInterval
	eb.MaxInterval = retryMaxInterval
	eb.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(u.retries-1)), ctx)

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err != nil {
			u.metrics.ArchivePutErrors.Inc()
		}
		return err
	}, bo)
}

// putObject 는 PutObject 1회 호출 (시도당 timeout 적용).
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
