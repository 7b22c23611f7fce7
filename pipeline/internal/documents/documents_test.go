package documents

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
)

type fakeHead struct {
	objects map[string]*s3.HeadObjectOutput
}

func (f fakeHead) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if out, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; ok {
		return out, nil
	}
	return nil, &s3types.NotFound{}
}

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b)
	return &manager.UploadOutput{}, nil
}

func TestVerify(t *testing.T) {
	head := fakeHead{objects: map[string]*s3.HeadObjectOutput{
		"docs/acme/pricing.pdf": {
			ContentLength: aws.Int64(2048),
			ContentType:   aws.String("application/pdf"),
			ETag:          aws.String(`"abc123"`),
		},
	}}
	s := newS3Store("docs", "engagement", head, &fakeUploader{})

	ref, err := s.Verify(context.Background(), "", "/acme/pricing.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs", ref.Bucket)
	assert.Equal(t, "acme/pricing.pdf", ref.Key)
	assert.Equal(t, int64(2048), ref.Size)
	assert.Equal(t, "abc123", ref.ETag)
	assert.Equal(t, "application/pdf", ref.ContentType)

	_, err = s.Verify(context.Background(), "docs", "acme/missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Verify(context.Background(), "docs", "")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestArchiveReplyPath(t *testing.T) {
	up := &fakeUploader{}
	s := newS3Store("archive", "/engagement/", fakeHead{}, up)
	posted := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	edited := "edited text"
	replyID := "t1_abc"
	r := models.CandidateResponse{
		ID: uuid.New(), CampaignID: uuid.New(), ItemID: uuid.New(), Owner: "o", Platform: models.PlatformReddit,
		Text: "generated", EditedText: &edited, PlatformReplyID: &replyID, PostedAt: &posted,
	}

	key, err := s.ArchiveReply(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "engagement/replies/2026/03/04/"+r.ID.String()+".json", key)
	require.Len(t, up.inputs, 1)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.inputs[0].ServerSideEncryption)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(up.bodies[0], &doc))
	assert.Equal(t, "edited text", doc["text"])
	assert.Equal(t, "generated", doc["generatedText"])
	assert.Equal(t, "t1_abc", doc["platformReplyId"])
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Verify(context.Background(), "b", "k")
	assert.ErrorIs(t, err, ErrNotConfigured)
	key, err := Disabled{}.ArchiveReply(context.Background(), models.CandidateResponse{})
	assert.NoError(t, err)
	assert.Empty(t, key)
}
