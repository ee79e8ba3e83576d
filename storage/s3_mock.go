package storage

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	// Objects stores uploaded objects keyed by object key.
	Objects map[string]*MockS3Object
	// Buckets tracks bucket existence.
	Buckets map[string]bool
	// Err is returned from every operation when set.
	Err error

	HeadBucketCalled   bool
	CreateBucketCalled bool
	PutObjectCalled    bool
	HeadObjectCalled   bool

	LastBucket    string
	LastObjectKey string
	LastMetadata  map[string]string
}

// MockS3Object holds the content and metadata of a stored object.
type MockS3Object struct {
	Key      string
	Content  string
	Metadata map[string]string
	Size     int64
}

// NewMockS3Client creates an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.CreateBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if params.Metadata != nil {
		m.LastMetadata = params.Metadata
	}
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err == nil {
			content = string(data)
		}
	}

	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{
			Key:      *params.Key,
			Content:  content,
			Metadata: params.Metadata,
			Size:     int64(len(content)),
		}
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.HeadObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.HeadObjectOutput{
				Metadata:      obj.Metadata,
				ContentLength: aws.Int64(obj.Size),
			}, nil
		}
	}
	return nil, &types.NotFound{}
}
