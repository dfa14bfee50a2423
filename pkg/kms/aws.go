package kms

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	helixconnect "github.com/helix-data/helix-connect-go"
	"github.com/helix-data/helix-connect-go/internal"
	"github.com/helix-data/helix-connect-go/pkg/log"
)

// KMS Metrics Counters & Timers.
var (
	_ helixconnect.KeyWrapper = (*AWSKeyWrapper)(nil)

	clientFactory = awskms.New

	wrapKeyTimer   = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".kms.aws.wrap", nil)
	unwrapKeyTimer = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".kms.aws.unwrap", nil)
)

// KMS is implemented by the client in the kms package from the AWS SDK.
// We only use a subset of methods defined below.
type KMS interface {
	EncryptWithContext(aws.Context, *awskms.EncryptInput, ...request.Option) (*awskms.EncryptOutput, error)
	DecryptWithContext(aws.Context, *awskms.DecryptInput, ...request.Option) (*awskms.DecryptOutput, error)
}

// AWSKMSClient contains a KMS client and region information used for
// wrapping a key in KMS.
type AWSKMSClient struct {
	KMS    KMS
	Region string
	ARN    string
}

// newAWSKMSClient returns a new AWSKMSClient struct with a new KMS client.
func newAWSKMSClient(sess client.ConfigProvider, region, arn string) AWSKMSClient {
	return AWSKMSClient{
		KMS:    clientFactory(sess, aws.NewConfig().WithRegion(region)),
		Region: region,
		ARN:    arn,
	}
}

// createAWSKMSClients creates a client for each region in the arn map.
func createAWSKMSClients(arnMap map[string]string) ([]AWSKMSClient, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create new session")
	}

	clients := make([]AWSKMSClient, 0)

	for region, arn := range arnMap {
		clients = append(clients, newAWSKMSClient(sess, region, arn))
	}

	return clients, nil
}

func sortClients(preferredRegion string, clients []AWSKMSClient) []AWSKMSClient {
	sort.SliceStable(clients, func(i, _ int) bool {
		return clients[i].Region == preferredRegion
	})

	return clients
}

// AWSKeyWrapper wraps data keys with customer master keys held in AWS KMS.
// The master keys never leave KMS; each wrap is a remote Encrypt of the data
// key under a region's CMK. Clients are ordered preferred region first and
// the wrapper fails over to the next region on a region-level failure.
type AWSKeyWrapper struct {
	Clients []AWSKMSClient
	policy  *helixconnect.RetryPolicy
}

// Option is used to configure additional options on an AWSKeyWrapper.
type Option func(*AWSKeyWrapper)

// WithRetryPolicy overrides the retry policy applied to each remote KMS call.
func WithRetryPolicy(p *helixconnect.RetryPolicy) Option {
	return func(w *AWSKeyWrapper) {
		w.policy = p
	}
}

// NewAWS returns a new AWSKeyWrapper used for wrapping/unwrapping data keys
// with master keys in the provided regions. arnMap maps region identifiers to
// the key ARN used in that region.
func NewAWS(preferredRegion string, arnMap map[string]string, opts ...Option) (*AWSKeyWrapper, error) {
	return newAWS(preferredRegion, awsARNMap(arnMap), opts...)
}

type awsARNMap map[string]string

func (a awsARNMap) createAWSKMSClients() ([]AWSKMSClient, error) {
	return createAWSKMSClients(a)
}

type clientMapper interface {
	createAWSKMSClients() ([]AWSKMSClient, error)
}

func newAWS(preferredRegion string, arnMap clientMapper, opts ...Option) (*AWSKeyWrapper, error) {
	clients, err := arnMap.createAWSKMSClients()
	if err != nil {
		return nil, err
	}

	if len(clients) == 0 {
		return nil, errors.New("no KMS regions configured")
	}

	w := &AWSKeyWrapper{
		Clients: sortClients(preferredRegion, clients),
		policy: helixconnect.NewRetryPolicy(
			helixconnect.DefaultMaxRetries,
			helixconnect.DefaultBackoffBase,
			helixconnect.DefaultBackoffCap,
		),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// wrappedKey is the serialized form of a KMS-wrapped data key. The region tag
// routes unwrap to the client whose master key produced the ciphertext.
type wrappedKey struct {
	Region     string `json:"region"`
	ARN        string `json:"arn"`
	Ciphertext []byte `json:"ciphertext"`
}

// Wrap encrypts dataKey under the preferred region's master key, failing over
// to the remaining regions in order. Each remote call is retried per the
// wrapper's policy before the next region is tried.
func (w *AWSKeyWrapper) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	defer wrapKeyTimer.UpdateSince(time.Now())

	var lastErr error

	for i := range w.Clients {
		c := &w.Clients[i]

		var out *awskms.EncryptOutput

		err := w.policy.Do(ctx, "kms wrap", func(ctx context.Context) error {
			resp, callErr := c.KMS.EncryptWithContext(ctx, &awskms.EncryptInput{
				KeyId:     aws.String(c.ARN),
				Plaintext: dataKey,
			})
			if callErr != nil {
				return translateError(c.ARN, callErr)
			}

			out = resp

			return nil
		})
		if err == nil {
			return json.Marshal(wrappedKey{
				Region:     c.Region,
				ARN:        c.ARN,
				Ciphertext: out.CiphertextBlob,
			})
		}

		if ctx.Err() != nil {
			return nil, err
		}

		log.Debugf("kms wrap failed in region (%s) trying next region: %s\n", c.Region, err)
		lastErr = err
	}

	return nil, errors.Wrap(lastErr, "kms wrap failed in all regions")
}

// Unwrap decrypts a wrapped data key, trying the region that produced it
// first and then the remaining regions. The returned bytes are the caller's
// to wipe once copied into protected memory.
func (w *AWSKeyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	defer unwrapKeyTimer.UpdateSince(time.Now())

	var wk wrappedKey
	if err := json.Unmarshal(wrapped, &wk); err != nil {
		return nil, &helixconnect.FormatError{Reason: "unmarshaling wrapped key", Err: err}
	}

	if len(wk.Ciphertext) == 0 {
		return nil, &helixconnect.FormatError{Reason: "wrapped key has no ciphertext"}
	}

	var lastErr error

	for _, c := range w.clientsFor(wk.Region) {
		var out *awskms.DecryptOutput

		err := w.policy.Do(ctx, "kms unwrap", func(ctx context.Context) error {
			resp, callErr := c.KMS.DecryptWithContext(ctx, &awskms.DecryptInput{
				CiphertextBlob: wk.Ciphertext,
			})
			if callErr != nil {
				return translateError(wk.ARN, callErr)
			}

			out = resp

			return nil
		})
		if err == nil {
			// Copy out of the SDK buffer so we control both wipes.
			raw := append([]byte(nil), out.Plaintext...)
			internal.MemClr(out.Plaintext)

			return raw, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}

		log.Debugf("kms unwrap failed in region (%s) trying next region: %s\n", c.Region, err)
		lastErr = err
	}

	return nil, errors.Wrap(lastErr, "kms unwrap failed in all regions")
}

// clientsFor returns the wrapper's clients with the client for region moved
// to the front, preserving the preferred ordering for the rest.
func (w *AWSKeyWrapper) clientsFor(region string) []*AWSKMSClient {
	ordered := make([]*AWSKMSClient, 0, len(w.Clients))

	for i := range w.Clients {
		if w.Clients[i].Region == region {
			ordered = append(ordered, &w.Clients[i])
		}
	}

	for i := range w.Clients {
		if w.Clients[i].Region != region {
			ordered = append(ordered, &w.Clients[i])
		}
	}

	return ordered
}

// translateError maps AWS SDK failures onto the SDK error taxonomy so retry
// classification and caller branching work uniformly across backends.
func translateError(arn string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "AccessDeniedException", "UnauthorizedOperation":
			return &helixconnect.AuthorizationError{Op: "kms", Err: err}
		case "UnrecognizedClientException", "InvalidClientTokenId", "ExpiredTokenException":
			return &helixconnect.AuthenticationError{Op: "kms", Err: err}
		case awskms.ErrCodeNotFoundException:
			return &helixconnect.NotFoundError{Resource: "kms key", ID: arn}
		case awskms.ErrCodeLimitExceededException:
			return &helixconnect.QuotaExceededError{Resource: "kms", Err: err}
		case awskms.ErrCodeKeyUnavailableException,
			awskms.ErrCodeDependencyTimeoutException,
			awskms.ErrCodeInternalException:
			return &helixconnect.NetworkError{Retryable: true, Err: err}
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
