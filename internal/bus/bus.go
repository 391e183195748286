// Package bus provides the at-least-once message transport carrying encode
// jobs, status events, and view events between pipeline components.
package bus

import "context"

// Topics used by the pipeline.
const (
	TopicEncodeJobs     = "encode-jobs"
	TopicThumbnailJobs  = "thumbnail-jobs"
	TopicEncodingStatus = "encoding-status"
	TopicVideoViews     = "video-views"
)

// Message is a single delivery. Messages sharing a Key are delivered to a
// group in publish order.
type Message struct {
	ID      string
	Key     string
	Payload []byte
}

// Subscription is a consumer-group membership on one topic. Messages must be
// acknowledged; unacked messages are redelivered to the group.
type Subscription interface {
	Messages() <-chan Message
	Ack(ctx context.Context, msg Message) error
	Close()
}

// Bus publishes and consumes keyed messages with at-least-once delivery.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic, group string) (Subscription, error)
	Close() error
}
