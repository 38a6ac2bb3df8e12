package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// ManifestName is the HLS master playlist the provider writes for every encode.
	ManifestName = "master.m3u8"
	// DefaultEncodedContainer is the container holding encoder output.
	DefaultEncodedContainer = "videos-encoded"
	// DefaultInputContainer is the container holding original uploads.
	DefaultInputContainer = "videos-original"
)

// S3Config holds blob storage client configuration.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points the client at an S3-compatible gateway; empty uses AWS.
	Endpoint             string
	Account              string
	InputBucket          string
	EncodedBucket        string
	CDNEndpoint          string
	PresignExpireMinutes int
}

// S3 answers existence checks on encoder output and presigns input blobs for the provider.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputBucket == "" {
		cfg.InputBucket = DefaultInputContainer
	}
	if cfg.EncodedBucket == "" {
		cfg.EncodedBucket = DefaultEncodedContainer
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("blob storage using static credentials", zap.String("region", cfg.Region), zap.String("encoded_bucket", cfg.EncodedBucket))
	} else {
		logger.Warn("blob storage using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// ManifestPath returns the encoded-container key of a video's HLS master playlist: {videoId}/master.m3u8.
func ManifestPath(videoID uuid.UUID) string {
	return path.Join(videoID.String(), ManifestName)
}

// ManifestURL builds the public playlist URL, preferring the CDN endpoint when one is configured.
func ManifestURL(cdnEndpoint, account, container string, videoID uuid.UUID) string {
	if cdnEndpoint != "" {
		return strings.TrimRight(cdnEndpoint, "/") + "/" + ManifestPath(videoID)
	}
	if container == "" {
		container = DefaultEncodedContainer
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", account, container, ManifestPath(videoID))
}

// ManifestURL returns the public playlist URL for videoID under this client's configuration.
func (s *S3) ManifestURL(videoID uuid.UUID) string {
	return ManifestURL(s.cfg.CDNEndpoint, s.cfg.Account, s.cfg.EncodedBucket, videoID)
}

// Exists reports whether key is present in the encoded container without downloading it.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.HeadObject(ctx, s.cfg.EncodedBucket, key)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

// HeadObject returns object metadata if it exists.
func (s *S3) HeadObject(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

// IsNotFound reports whether err is a missing-object response. HeadObject has no body,
// so some gateways only surface the 404 status.
func IsNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// PresignedInputURL returns a pre-signed GET URL the provider uses to fetch an original upload.
func (s *S3) PresignedInputURL(ctx context.Context, blobName string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.InputBucket),
		Key:    aws.String(blobName),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// OutputPrefix returns the encoded-container prefix the provider writes renditions under.
func (s *S3) OutputPrefix(videoID uuid.UUID) string {
	return s.cfg.EncodedBucket + "/" + videoID.String() + "/"
}
