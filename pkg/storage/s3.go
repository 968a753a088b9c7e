package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	// MaxFaceFileSize is the maximum accepted size of a face capture (5MB).
	MaxFaceFileSize = 5 * 1024 * 1024
	// FolderFaces is the S3 prefix for face captures.
	FolderFaces = "faces"
	// FolderReports is the S3 prefix for attendance reports.
	FolderReports = "reports"
)

// AllowedFaceTypes maps accepted face capture MIME types to extensions.
var AllowedFaceTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	FacesBucket          string
	ReportsBucket        string
	PresignExpireMinutes int
}

// S3 provides S3 operations with pre-signed URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or the environment (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
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
		logger.Info("S3 client using static credentials", zap.String("region", cfg.Region), zap.String("reports_bucket", cfg.ReportsBucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// FaceExtension returns the file extension for an accepted face capture content type.
func FaceExtension(contentType string) (string, bool) {
	ext, ok := AllowedFaceTypes[strings.ToLower(strings.TrimSpace(contentType))]
	return ext, ok
}

// FaceKey returns the S3 object key for a face capture: faces/{user_id}/{unix_ms}{ext}.
func FaceKey(userID string, at time.Time, ext string) string {
	return path.Join(FolderFaces, path.Base(userID), fmt.Sprintf("%d%s", at.UnixMilli(), ext))
}

// ReportKey returns the S3 object key for a report: reports/{class_id}/{date}-{session_type}.csv.
func ReportKey(classID, date, sessionType string) string {
	return path.Join(FolderReports, path.Base(classID), date+"-"+sessionType+".csv")
}

// GeneratePresignedDownloadURL returns a pre-signed GET URL for download.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
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

// FacesBucket returns the face captures bucket name.
func (s *S3) FacesBucket() string { return s.cfg.FacesBucket }

// ReportsBucket returns the reports bucket name.
func (s *S3) ReportsBucket() string { return s.cfg.ReportsBucket }

// Upload streams a reader to S3 and returns the object URL.
func (s *S3) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("key", key))
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.cfg.Region, key), nil
}

// UploadFace stores a face capture in the faces bucket.
func (s *S3) UploadFace(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	return s.Upload(ctx, s.cfg.FacesBucket, key, contentType, body, size)
}

// UploadReport stores a CSV report in the reports bucket.
func (s *S3) UploadReport(ctx context.Context, key string, body io.Reader, size int64) (string, error) {
	return s.Upload(ctx, s.cfg.ReportsBucket, key, "text/csv", body, size)
}

// ReportURL returns a pre-signed download URL for a report, or an error when the object does not exist.
func (s *S3) ReportURL(ctx context.Context, key string) (string, error) {
	if _, err := s.HeadObject(ctx, s.cfg.ReportsBucket, key); err != nil {
		return "", fmt.Errorf("head report: %w", err)
	}
	return s.GeneratePresignedDownloadURL(ctx, s.cfg.ReportsBucket, key, s.PresignExpire())
}

// HeadObject returns object metadata if it exists.
func (s *S3) HeadObject(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

// DeleteObject removes an object from S3.
func (s *S3) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// GetObjectStream returns the object body and content type. Caller must close the body.
func (s *S3) GetObjectStream(ctx context.Context, bucket, key string) (body io.ReadCloser, contentType string, err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	ct := ""
	if out.ContentType != nil {
		ct = *out.ContentType
	}
	return out.Body, ct, nil
}

// OpenFace streams a stored face capture.
func (s *S3) OpenFace(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return s.GetObjectStream(ctx, s.cfg.FacesBucket, key)
}

// DeleteFace removes a stored face capture.
func (s *S3) DeleteFace(ctx context.Context, key string) error {
	return s.DeleteObject(ctx, s.cfg.FacesBucket, key)
}
