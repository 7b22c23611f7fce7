// Package documents verifies uploaded business-context documents and archives posted
// replies in object storage.
package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrNotConfigured = errors.New("object storage not configured")
)

type Verifier interface {
	Verify(ctx context.Context, bucket, key string) (models.DocumentRef, error)
}

type Archiver interface {
	ArchiveReply(ctx context.Context, r models.CandidateResponse) (string, error)
}

type headAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type uploadAPI interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store checks document references with HeadObject and writes reply archives to
//
//	s3://<bucket>/<prefix>/replies/YYYY/MM/DD/<responseID>.json
type S3Store struct {
	bucket   string
	prefix   string
	client   headAPI
	uploader uploadAPI
	now      func() time.Time
}

// NewS3Store loads AWS configuration from the environment.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Store(bucket, prefix, client, manager.NewUploader(client)), nil
}

func newS3Store(bucket, prefix string, client headAPI, uploader uploadAPI) *S3Store {
	return &S3Store{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: uploader,
		now:      time.Now,
	}
}

// Verify confirms the object exists and returns a reference to attach. An empty
// bucket means the configured one.
func (s *S3Store) Verify(ctx context.Context, bucket, key string) (models.DocumentRef, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return models.DocumentRef{}, &models.ValidationError{Problems: []string{"document key required"}}
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return models.DocumentRef{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return models.DocumentRef{}, fmt.Errorf("head object: %w", err)
	}
	return models.DocumentRef{
		Bucket:      bucket,
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		AttachedAt:  s.now().UTC(),
	}, nil
}

type replyArchive struct {
	ID              string          `json:"id"`
	CampaignID      string          `json:"campaignId"`
	ItemID          string          `json:"itemId"`
	Owner           string          `json:"owner"`
	Platform        models.Platform `json:"platform"`
	TargetID        string          `json:"targetId"`
	PlatformReplyID string          `json:"platformReplyId"`
	Text            string          `json:"text"`
	GeneratedText   string          `json:"generatedText"`
	Confidence      float64         `json:"confidence"`
	Sentiment       float64         `json:"sentiment"`
	PostedAt        time.Time       `json:"postedAt"`
}

// ArchiveReply stores the posted reply and returns its object key.
func (s *S3Store) ArchiveReply(ctx context.Context, r models.CandidateResponse) (string, error) {
	ts := s.now().UTC()
	if r.PostedAt != nil {
		ts = r.PostedAt.UTC()
	}
	doc := replyArchive{
		ID:            r.ID.String(),
		CampaignID:    r.CampaignID.String(),
		ItemID:        r.ItemID.String(),
		Owner:         r.Owner,
		Platform:      r.Platform,
		TargetID:      r.TargetID,
		Text:          r.FinalText(),
		GeneratedText: r.Text,
		Confidence:    r.Confidence,
		Sentiment:     r.Sentiment,
		PostedAt:      ts,
	}
	if r.PlatformReplyID != nil {
		doc.PlatformReplyID = *r.PlatformReplyID
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal reply archive: %w", err)
	}
	year, month, day := ts.Date()
	key := path.Join(s.prefix, "replies",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		r.ID.String()+".json",
	)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

// Disabled is used when no bucket is configured.
type Disabled struct{}

func (Disabled) Verify(context.Context, string, string) (models.DocumentRef, error) {
	return models.DocumentRef{}, ErrNotConfigured
}

func (Disabled) ArchiveReply(context.Context, models.CandidateResponse) (string, error) {
	return "", nil
}
