// Package sqsqueue carries the two message kinds the engine exchanges over
// SQS: pass ticks from the external scheduler, and provider webhook events.
package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// PassTick asks the worker to run one notification pass. The scheduler
// (cron/EventBridge) produces one every few minutes.
type PassTick struct {
	RequestedAt time.Time `json:"requestedAt"`
	Source      string    `json:"source,omitempty"`
}

type TickProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *TickProducer) Enqueue(ctx context.Context, tick PassTick) error {
	body, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type TickHandler func(ctx context.Context, tick PassTick) error

type TickConsumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Poll runs ticks strictly one at a time; overlapping passes within one
// process would only contend on the dispatch guard for nothing.
func (c *TickConsumer) Poll(ctx context.Context, handler TickHandler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			slog.Error("sqs receive tick failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range out.Messages {
			if m.Body == nil {
				continue
			}
			var tick PassTick
			if err := json.Unmarshal([]byte(*m.Body), &tick); err != nil {
				// bad payload => delete to avoid endless redrive
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
				continue
			}

			err := handler(ctx, tick)
			if err == nil {
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
			} else {
				// If err != nil: do NOT delete => SQS redrive/DLQ handles it
				slog.Error("sqs tick handler error", "err", err)
			}
		}
	}
}

func str(s string) *string { return &s }
