package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"validation-queue/internal/models"
)

// Resolved is a file reference the webhook can fetch.
type Resolved struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// S3Config selects the bucket holding uploaded documents.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string
	PathStyle  bool
	PresignTTL time.Duration
}

type headAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Resolver turns stored file references into fetchable URLs. References pointing at
// s3://bucket/key, or a bare key in the default bucket, are checked with HeadObject and
// presigned; http(s) URLs pass through untouched.
type Resolver struct {
	head    headAPI
	presign presignAPI
	bucket  string
	ttl     time.Duration
}

// NewResolver builds a resolver. Without a bucket only http(s) references resolve.
func NewResolver(ctx context.Context, cfg S3Config) (*Resolver, error) {
	r := &Resolver{bucket: cfg.Bucket, ttl: cfg.PresignTTL}
	if r.ttl <= 0 {
		r.ttl = 15 * time.Minute
	}
	if cfg.Bucket == "" {
		return r, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.head = client
	r.presign = s3.NewPresignClient(client)
	return r, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Resolve maps every reference or fails on the first one that cannot be fetched.
func (r *Resolver) Resolve(ctx context.Context, refs []models.FileRef) ([]Resolved, error) {
	if len(refs) == 0 {
		return nil, errors.New("no file references to resolve")
	}
	out := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		res, err := r.resolveOne(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", ref.Name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, ref models.FileRef) (Resolved, error) {
	res := Resolved{Name: ref.Name, MimeType: ref.MimeType, Size: ref.Size}
	path := strings.TrimSpace(ref.StoragePath)
	if path == "" {
		return res, errors.New("storage path missing")
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if _, err := url.ParseRequestURI(path); err != nil {
			return res, fmt.Errorf("invalid storage url: %w", err)
		}
		res.URL = path
		return res, nil
	}

	bucket, key, err := r.splitObject(path)
	if err != nil {
		return res, err
	}
	if r.head == nil || r.presign == nil {
		return res, fmt.Errorf("object storage not configured for %s", path)
	}
	head, err := r.head.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return res, fmt.Errorf("storage head object %s: %w", key, err)
	}
	if head.ContentLength != nil && *head.ContentLength > 0 {
		res.Size = *head.ContentLength
	}
	if res.MimeType == "" && head.ContentType != nil {
		res.MimeType = *head.ContentType
	}
	signed, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)},
		s3.WithPresignExpires(r.ttl))
	if err != nil {
		return res, fmt.Errorf("storage presign %s: %w", key, err)
	}
	res.URL = signed.URL
	return res, nil
}

func (r *Resolver) splitObject(path string) (string, string, error) {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid storage path %q", path)
		}
		return bucket, key, nil
	}
	if r.bucket == "" {
		return "", "", fmt.Errorf("storage path %q has no bucket and no default bucket is configured", path)
	}
	return r.bucket, strings.TrimPrefix(path, "/"), nil
}
