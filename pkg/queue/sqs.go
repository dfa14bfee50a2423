package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	helixconnect "github.com/helix-data/helix-connect-go"
	"github.com/helix-data/helix-connect-go/pkg/log"
)

// Queue Metrics Counters & Timers.
var (
	_ helixconnect.NotificationQueue = (*SQSQueue)(nil)

	sqsClientFactory = sqs.New

	receiveTimer = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".queue.sqs.receive", nil)
	ackTimer     = metrics.GetOrRegisterTimer(helixconnect.MetricsPrefix+".queue.sqs.ack", nil)
)

// SQS long-poll and batch bounds.
const (
	maxWaitSeconds = 20
	maxBatch       = 10
)

// SQS is implemented by the client in the sqs package from the AWS SDK.
// We only use a subset of methods defined below.
type SQS interface {
	ReceiveMessageWithContext(aws.Context, *sqs.ReceiveMessageInput, ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(aws.Context, *sqs.DeleteMessageInput, ...request.Option) (*sqs.DeleteMessageOutput, error)
	SendMessageWithContext(aws.Context, *sqs.SendMessageInput, ...request.Option) (*sqs.SendMessageOutput, error)
}

// SQSQueue is a NotificationQueue backed by an SQS queue. Receive uses SQS
// long polling; Acknowledge deletes the message by receipt handle.
type SQSQueue struct {
	Client   SQS
	QueueURL string
}

// NewSQS returns an SQSQueue for the given region and queue URL.
func NewSQS(region, queueURL string) (*SQSQueue, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create new session")
	}

	return &SQSQueue{
		Client:   sqsClientFactory(sess, aws.NewConfig().WithRegion(region)),
		QueueURL: queueURL,
	}, nil
}

// Receive long-polls the queue for up to wait, returning up to maxMessages.
// SQS caps the wait at 20 seconds and the batch at 10 messages; larger values
// are clamped. An expired wait returns an empty slice and no error.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]helixconnect.QueueMessage, error) {
	defer receiveTimer.UpdateSince(time.Now())

	waitSeconds := int64(wait / time.Second)
	if waitSeconds > maxWaitSeconds {
		waitSeconds = maxWaitSeconds
	}

	if waitSeconds < 0 {
		waitSeconds = 0
	}

	batch := int64(maxMessages)
	if batch > maxBatch {
		batch = maxBatch
	}

	if batch < 1 {
		batch = 1
	}

	out, err := q.Client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.QueueURL),
		MaxNumberOfMessages: aws.Int64(batch),
		WaitTimeSeconds:     aws.Int64(waitSeconds),
	})
	if err != nil {
		return nil, translateError(q.QueueURL, err)
	}

	msgs := make([]helixconnect.QueueMessage, 0, len(out.Messages))

	for _, m := range out.Messages {
		msgs = append(msgs, helixconnect.QueueMessage{
			ID:            aws.StringValue(m.MessageId),
			Body:          aws.StringValue(m.Body),
			ReceiptHandle: aws.StringValue(m.ReceiptHandle),
		})
	}

	return msgs, nil
}

// Acknowledge deletes the message identified by receiptHandle. A stale or
// expired handle is a benign no-op; the message has either been deleted
// already or will simply be redelivered.
func (q *SQSQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	defer ackTimer.UpdateSince(time.Now())

	_, err := q.Client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case sqs.ErrCodeReceiptHandleIsInvalid, "InvalidParameterValue":
				log.Debugf("ack for stale receipt handle, ignoring: %s\n", err)
				return nil
			}
		}

		return translateError(q.QueueURL, err)
	}

	return nil
}

// Send enqueues a message body and returns its id. It is a producer-side
// convenience and not part of the NotificationQueue interface.
func (q *SQSQueue) Send(ctx context.Context, body string) (string, error) {
	out, err := q.Client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.QueueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return "", translateError(q.QueueURL, err)
	}

	return aws.StringValue(out.MessageId), nil
}

// translateError maps AWS SDK failures onto the SDK error taxonomy so retry
// classification and caller branching work uniformly across backends.
func translateError(queueURL string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case sqs.ErrCodeQueueDoesNotExist:
			return &helixconnect.NotFoundError{Resource: "queue", ID: queueURL}
		case "AccessDenied", "AccessDeniedException":
			return &helixconnect.AuthorizationError{Op: "sqs", Err: err}
		case "InvalidClientTokenId", "UnrecognizedClientException", "ExpiredToken":
			return &helixconnect.AuthenticationError{Op: "sqs", Err: err}
		case sqs.ErrCodeOverLimit:
			return &helixconnect.RateLimitError{Err: err}
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
