// Package storage persists original documents in S3-compatible object
// storage. Keys are content addressed (documents/<hash>.pdf), so a
// re-upload of the same file is a no-op and Exists doubles as the
// idempotency probe for the storage stage.
package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/config"
)

// DocumentStorage stores and probes source documents in a single
// bucket. It satisfies the blob store collaborator of the storage
// stage.
type DocumentStorage struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	logger   *logrus.Entry
}

// NewDocumentStorage connects to the configured S3-compatible endpoint.
// MinIO and other self-hosted backends need path-style addressing and
// an immutable hostname; AWS proper works with the defaults.
func NewDocumentStorage(ctx context.Context, cfg config.StorageConfig) (*DocumentStorage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.HTTPClient = &http.Client{}
	})

	return &DocumentStorage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		logger:   common.ComponentLogger("storage"),
	}, nil
}

// NewDocumentStorageWithClient builds a store over an injected client.
// Uploads go through plain PutObject instead of the multipart uploader.
func NewDocumentStorageWithClient(client S3Client, bucket string) *DocumentStorage {
	return &DocumentStorage{
		client: client,
		bucket: bucket,
		logger: common.ComponentLogger("storage"),
	}
}

// EnsureBucket creates the document bucket when it does not exist yet.
// Called once at startup.
func (d *DocumentStorage) EnsureBucket(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(d.bucket),
	})
	if err == nil {
		return nil
	}

	d.logger.WithField("bucket", d.bucket).Info("Creating document bucket")
	if _, err := d.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(d.bucket),
	}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", d.bucket, err)
	}
	return nil
}

// Exists reports whether an object is already stored under key.
func (d *DocumentStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe object %s: %w", key, err)
	}
	return true, nil
}

// Put uploads the file at localPath under key. The content checksum
// rides along as object metadata so later syncs can skip unchanged
// objects without downloading them.
func (d *DocumentStorage) Put(ctx context.Context, key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	checksum, err := CalculateMD5(localPath)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", localPath, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]string{
			"md5": checksum,
		},
	}

	if d.uploader != nil {
		_, err = d.uploader.Upload(ctx, input)
	} else {
		_, err = d.client.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	d.logger.WithFields(logrus.Fields{
		"bucket": d.bucket,
		"key":    key,
	}).Info("Stored document object")
	return nil
}

// CalculateMD5 returns the hex MD5 digest of a local file.
func CalculateMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
