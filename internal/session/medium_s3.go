package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// S3Config holds S3-compatible storage settings for the session document.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
}

// IsConfigured reports whether the bucket and credentials are set.
func (c *S3Config) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// s3API is the subset of the S3 client used by S3Medium.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Medium stores the session document as a single S3 object. A PutObject
// replaces the object atomically.
type S3Medium struct {
	client s3API
	bucket string
	key    string
}

// NewS3Medium creates an S3 medium from cfg.
func NewS3Medium(cfg *S3Config) (*S3Medium, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("S3 is not configured")
	}
	key := cfg.Key
	if key == "" {
		key = "sessions.json"
	}
	return &S3Medium{client: newS3Client(cfg), bucket: cfg.Bucket, key: key}, nil
}

// newS3Client creates an S3 client for the given configuration.
func newS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.New(s3.Options{}, options...)
}

// Name implements Medium.
func (m *S3Medium) Name() string {
	return "s3"
}

// Load implements Medium.
func (m *S3Medium) Load(ctx context.Context) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key),
	})
	if isNotFound(err) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, util.WrapError("get sessions object", err)
	}
	defer util.SafeCloseFunc(out.Body, "sessions object body")()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, util.WrapError("read sessions object", err)
	}
	return data, nil
}

// Save implements Medium.
func (m *S3Medium) Save(ctx context.Context, data []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return util.WrapError("put sessions object", err)
	}
	return nil
}

// Preserve implements Preserver by copying data to a sibling object.
func (m *S3Medium) Preserve(ctx context.Context, data []byte) (string, error) {
	key := m.key + ".corrupt-" + time.Now().UTC().Format(corruptSuffixLayout)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", util.WrapError("copy corrupt sessions object", err)
	}
	return key, nil
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// TestS3Connection checks bucket access by uploading and deleting a test object.
func TestS3Connection(cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 is not configured")
	}
	return testConnection(newS3Client(cfg), cfg.Bucket)
}

func testConnection(client s3API, bucket string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30000*time.Millisecond)
	defer cancel()

	testKey := fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano())
	testContent := []byte("ZuidWest FM noise meter connection test")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return util.WrapError("upload test file", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}
	return nil
}
