package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	helixconnect "github.com/helix-data/helix-connect-go"
)

const testBucket = "helix-test-bucket"

type MockS3Client struct {
	mock.Mock
}

func (c *MockS3Client) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	args := c.Called(ctx, input, opts)

	if out := args.Get(0); out != nil {
		return out.(*s3.PutObjectOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func (c *MockS3Client) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	args := c.Called(ctx, input, opts)

	if out := args.Get(0); out != nil {
		return out.(*s3.GetObjectOutput), args.Error(1)
	}

	return nil, args.Error(1)
}

func bodyReader(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}

func TestS3Store_PutChunk(t *testing.T) {
	client := new(MockS3Client)
	client.On("PutObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil)

	store := &S3Store{Client: client, Bucket: testBucket}

	err := store.PutChunk(context.Background(), objectID, 3, chunkData)

	assert.NoError(t, err)

	input := client.Calls[0].Arguments.Get(1).(*s3.PutObjectInput)
	assert.Equal(t, testBucket, *input.Bucket)
	assert.Equal(t, objectID+"/chunks/3", *input.Key)
}

func TestS3Store_PutChunk_AppliesPrefix(t *testing.T) {
	client := new(MockS3Client)
	client.On("PutObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil)

	store := &S3Store{Client: client, Bucket: testBucket, Prefix: "datasets/"}

	err := store.PutChunk(context.Background(), objectID, 0, chunkData)

	assert.NoError(t, err)

	input := client.Calls[0].Arguments.Get(1).(*s3.PutObjectInput)
	assert.Equal(t, "datasets/"+objectID+"/chunks/0", *input.Key)
}

func TestS3Store_GetChunk(t *testing.T) {
	client := new(MockS3Client)
	client.On("GetObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.GetObjectOutput{
		Body: bodyReader(chunkData),
	}, nil)

	store := &S3Store{Client: client, Bucket: testBucket}

	data, err := store.GetChunk(context.Background(), objectID, 3)

	assert.NoError(t, err)
	assert.Equal(t, chunkData, data)

	input := client.Calls[0].Arguments.Get(1).(*s3.GetObjectInput)
	assert.Equal(t, objectID+"/chunks/3", *input.Key)
}

func TestS3Store_GetChunk_NoSuchKey(t *testing.T) {
	client := new(MockS3Client)
	client.On("GetObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(
		nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil))

	store := &S3Store{Client: client, Bucket: testBucket}

	data, err := store.GetChunk(context.Background(), objectID, 0)

	assert.Nil(t, data)

	var notFound *helixconnect.NotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, "chunk", notFound.Resource)
}

func TestS3Store_PutAndGetManifest(t *testing.T) {
	m := &helixconnect.ObjectManifest{
		Size:       1024,
		ChunkCount: 2,
		ChunkSize:  512,
		Checksums:  []string{"aa", "bb"},
	}

	body, err := json.Marshal(m)
	assert.NoError(t, err)

	client := new(MockS3Client)
	client.On("PutObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil)
	client.On("GetObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.GetObjectOutput{
		Body: bodyReader(body),
	}, nil)

	store := &S3Store{Client: client, Bucket: testBucket}

	assert.NoError(t, store.PutManifest(context.Background(), objectID, m))

	putInput := client.Calls[0].Arguments.Get(1).(*s3.PutObjectInput)
	assert.Equal(t, objectID+"/manifest.json", *putInput.Key)
	assert.Equal(t, "application/json", *putInput.ContentType)

	got, err := store.GetManifest(context.Background(), objectID)
	assert.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestS3Store_GetManifest_Missing(t *testing.T) {
	client := new(MockS3Client)
	client.On("GetObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(
		nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil))

	store := &S3Store{Client: client, Bucket: testBucket}

	m, err := store.GetManifest(context.Background(), objectID)

	assert.Nil(t, m)

	var notFound *helixconnect.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestS3Store_GetManifest_MalformedJSON(t *testing.T) {
	client := new(MockS3Client)
	client.On("GetObjectWithContext", mock.Anything, mock.Anything, mock.Anything).Return(&s3.GetObjectOutput{
		Body: bodyReader([]byte("`")),
	}, nil)

	store := &S3Store{Client: client, Bucket: testBucket}

	m, err := store.GetManifest(context.Background(), objectID)

	assert.Nil(t, m)

	var formatErr *helixconnect.FormatError
	assert.True(t, errors.As(err, &formatErr))
}

func TestS3Store_TranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want interface{}
	}{
		{
			name: "access denied",
			err:  awserr.New("AccessDenied", "denied", nil),
			want: new(*helixconnect.AuthorizationError),
		},
		{
			name: "bad credentials",
			err:  awserr.New("InvalidAccessKeyId", "who", nil),
			want: new(*helixconnect.AuthenticationError),
		},
		{
			name: "slow down",
			err:  awserr.New("SlowDown", "throttled", nil),
			want: new(*helixconnect.RateLimitError),
		},
		{
			name: "no such bucket",
			err:  awserr.New(s3.ErrCodeNoSuchBucket, "gone", nil),
			want: new(*helixconnect.NotFoundError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError("chunk", "some/key", tt.err)
			assert.True(t, errors.As(got, tt.want), "expected %T, got %v", tt.want, got)
		})
	}
}
