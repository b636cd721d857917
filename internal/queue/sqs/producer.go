package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mailtask/internal/observability"
)

const defaultGroupBuckets = 64

// DeliveryJob carries only the attempt identity. Workers re-read everything
// else from the store.
type DeliveryJob struct {
	AttemptID string `json:"attemptId"`
}

type SendAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type Producer struct {
	SQS      SendAPI
	QueueURL string

	// FIFO queues need a group id and a dedup id. Groups are bucketed so
	// ordering constraints do not serialize the whole queue.
	FIFO         bool
	GroupBuckets int
}

func (p *Producer) EnqueueDelivery(ctx context.Context, attemptID string) error {
	body, err := json.Marshal(DeliveryJob{AttemptID: attemptID})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.QueueURL),
		MessageBody: aws.String(string(body)),
	}
	if p.FIFO {
		in.MessageGroupId = aws.String(messageGroupIDBucketed(attemptID, p.GroupBuckets))
		in.MessageDeduplicationId = aws.String(attemptID)
	}

	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return fmt.Errorf("enqueue delivery %s: %w", attemptID, err)
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

func messageGroupIDBucketed(attemptID string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(attemptID))
	return fmt.Sprintf("delivery-%d", h.Sum32()%uint32(buckets))
}
