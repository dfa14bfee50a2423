package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	helixconnect "github.com/helix-data/helix-connect-go"
)

// Storage Metrics Counters & Timers.
var (
	_ helixconnect.ObjectStore = (*S3Store)(nil)

	s3ClientFactory = s3.New

	putChunkTimer = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".storage.s3.putchunk", nil)
	getChunkTimer = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".storage.s3.getchunk", nil)
)

// S3API is implemented by the client in the s3 package from the AWS SDK.
// We only use a subset of methods defined below.
type S3API interface {
	PutObjectWithContext(aws.Context, *s3.PutObjectInput, ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Store is an ObjectStore backed by an S3 bucket. Sealed chunks are stored
// as individual objects under the object id and the manifest as a JSON
// document beside them:
//
//	<prefix>/<objectID>/chunks/<index>
//	<prefix>/<objectID>/manifest.json
//
// The store performs no retries of its own; callers drive retry through
// their RetryPolicy so attempts are bounded in one place.
type S3Store struct {
	Client S3API
	Bucket string
	Prefix string
}

// S3Option is used to configure additional options on an S3Store.
type S3Option func(*S3Store)

// WithPrefix scopes all keys written and read by the store under prefix.
func WithPrefix(prefix string) S3Option {
	return func(s *S3Store) {
		s.Prefix = prefix
	}
}

// NewS3 returns an S3Store for the given region and bucket.
func NewS3(region, bucket string, opts ...S3Option) (*S3Store, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create new session")
	}

	s := &S3Store{
		Client: s3ClientFactory(sess, aws.NewConfig().WithRegion(region)),
		Bucket: bucket,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// PutChunk stores one sealed chunk.
func (s *S3Store) PutChunk(ctx context.Context, objectID string, index int, data []byte) error {
	defer putChunkTimer.UpdateSince(time.Now())

	key := s.chunkKey(objectID, index)

	_, err := s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return translateError("chunk", key, err)
	}

	return nil
}

// GetChunk retrieves one sealed chunk.
func (s *S3Store) GetChunk(ctx context.Context, objectID string, index int) ([]byte, error) {
	defer getChunkTimer.UpdateSince(time.Now())

	key := s.chunkKey(objectID, index)

	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError("chunk", key, err)
	}

	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &helixconnect.NetworkError{Retryable: true, Err: err}
	}

	return data, nil
}

// PutManifest stores the object's manifest as JSON.
func (s *S3Store) PutManifest(ctx context.Context, objectID string, m *helixconnect.ObjectManifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}

	key := s.manifestKey(objectID)

	_, err = s.Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return translateError("manifest", key, err)
	}

	return nil
}

// GetManifest retrieves and decodes the object's manifest.
func (s *S3Store) GetManifest(ctx context.Context, objectID string) (*helixconnect.ObjectManifest, error) {
	key := s.manifestKey(objectID)

	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError("manifest", key, err)
	}

	defer out.Body.Close()

	var m helixconnect.ObjectManifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return nil, &helixconnect.FormatError{Reason: "decoding manifest", Err: err}
	}

	return &m, nil
}

func (s *S3Store) chunkKey(objectID string, index int) string {
	return s.applyPrefix(objectID + "/chunks/" + strconv.Itoa(index))
}

func (s *S3Store) manifestKey(objectID string) string {
	return s.applyPrefix(objectID + "/manifest.json")
}

func (s *S3Store) applyPrefix(key string) string {
	if s.Prefix == "" {
		return key
	}

	return strings.TrimSuffix(s.Prefix, "/") + "/" + key
}

// translateError maps AWS SDK failures onto the SDK error taxonomy so retry
// classification and caller branching work uniformly across backends.
func translateError(resource, id string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return &helixconnect.NotFoundError{Resource: resource, ID: id}
		case "AccessDenied", "AccessDeniedException":
			return &helixconnect.AuthorizationError{Op: "s3", Err: err}
		case "InvalidAccessKeyId", "ExpiredToken", "SignatureDoesNotMatch":
			return &helixconnect.AuthenticationError{Op: "s3", Err: err}
		case "SlowDown":
			return &helixconnect.RateLimitError{Err: err}
		case "QuotaExceeded":
			return &helixconnect.QuotaExceededError{Resource: "s3", Err: err}
		}
	}

	if request.IsErrorThrottle(err) {
		return &helixconnect.RateLimitError{Err: err}
	}

	if request.IsErrorRetryable(err) {
		return &helixconnect.NetworkError{Retryable: true, Err: err}
	}

	return err
}
