package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSQueue consumes an AWS SQS queue with the same receive/ack surface as a
// bus Queue. The vault's retrieval-complete notifications arrive this way:
// the vault can only deliver to its notification topic, whose subscription
// target is an SQS queue outside our Redis bus.
type SQSQueue struct {
	client *sqs.Client
	url    string
}

// NewSQSQueue wraps an SQS queue URL.
func NewSQSQueue(client *sqs.Client, url string) *SQSQueue {
	return &SQSQueue{client: client, url: url}
}

func (q *SQSQueue) Name() string {
	if i := strings.LastIndex(q.url, "/"); i >= 0 {
		return q.url[i+1:]
	}
	return q.url
}

// Receive long-polls the queue. SQS caps the wait at 20s and the batch at 10.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 || max > 10 {
		max = 10
	}
	waitSec := int32(wait / time.Second)
	if waitSec > 20 {
		waitSec = 20
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     waitSec,
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.Name(), err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:      aws.ToString(m.MessageId),
			Body:    unwrapEnvelope([]byte(aws.ToString(m.Body))),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Ack deletes the message so it is not redelivered.
func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// unwrapEnvelope strips the SNS notification envelope when the queue is
// subscribed to a topic, leaving the inner event payload.
func unwrapEnvelope(body []byte) []byte {
	var env struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}
