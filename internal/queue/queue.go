// Package queue provides the message channels that connect pipeline stages.
//
// Delivery is at-least-once: a received message stays owned by the consumer
// until it is acked, and is delivered again after a Nack or when the consumer
// dies. Handlers must therefore be safe to run more than once per message.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue closed")
	// ErrUnknownReceipt is returned when acking a message that is not in flight
	ErrUnknownReceipt = errors.New("message not in flight")
)

// Message is one delivery from a channel.
type Message struct {
	ID         string
	Channel    string
	Body       []byte
	Attempts   int // deliveries so far, including this one
	EnqueuedAt time.Time

	receipt string // backend handle used by Ack/Nack
}

// Queue is a set of named FIFO channels.
type Queue interface {
	// Publish appends body to the channel
	Publish(ctx context.Context, channel string, body []byte) error
	// Receive waits up to wait for a message; it returns nil, nil on timeout
	Receive(ctx context.Context, channel string, wait time.Duration) (*Message, error)
	// Ack removes a received message for good
	Ack(ctx context.Context, msg *Message) error
	// Nack makes a received message available again
	Nack(ctx context.Context, msg *Message) error
	// Len returns the number of messages waiting (not in flight)
	Len(ctx context.Context, channel string) (int64, error)
	// Peek returns up to limit waiting messages without receiving them
	Peek(ctx context.Context, channel string, limit int) ([]Message, error)
	Close() error
}

// Recoverer is implemented by backends that must return in-flight messages
// of a dead consumer to the channel explicitly.
type Recoverer interface {
	Recover(ctx context.Context, channel string) (int, error)
}

// Channel suffixes, one inbound channel per stage.
const (
	SuffixStart    = "start"
	SuffixPage     = "page"
	SuffixDLQ      = "dlq"
	SuffixRetry    = "retry"
	SuffixHardStop = "hard-stop"
)

// ChannelName builds the channel name for a pipeline stage.
func ChannelName(pipeline, suffix string) string {
	return pipeline + "-" + suffix
}

// Channel is a handle on one named channel that sends JSON payloads.
type Channel struct {
	q    Queue
	name string
}

// NewChannel binds a channel name to a queue.
func NewChannel(q Queue, name string) Channel {
	return Channel{q: q, name: name}
}

// Name returns the channel name
func (c Channel) Name() string { return c.name }

// Send marshals v as JSON and publishes it.
func (c Channel) Send(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", c.name, err)
	}
	if err := c.q.Publish(ctx, c.name, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", c.name, err)
	}
	return nil
}

// Len returns the number of waiting messages.
func (c Channel) Len(ctx context.Context) (int64, error) {
	return c.q.Len(ctx, c.name)
}

// Channels holds the five channels of one pipeline. It is built once at
// process start and handed to every stage.
type Channels struct {
	Start    Channel
	Page     Channel
	DLQ      Channel
	Retry    Channel
	HardStop Channel
}

// ChannelsFor returns the channel set of a pipeline.
func ChannelsFor(q Queue, pipeline string) Channels {
	return Channels{
		Start:    NewChannel(q, ChannelName(pipeline, SuffixStart)),
		Page:     NewChannel(q, ChannelName(pipeline, SuffixPage)),
		DLQ:      NewChannel(q, ChannelName(pipeline, SuffixDLQ)),
		Retry:    NewChannel(q, ChannelName(pipeline, SuffixRetry)),
		HardStop: NewChannel(q, ChannelName(pipeline, SuffixHardStop)),
	}
}

// Consumed returns the channels that have a stage reading them. Hard-stop is
// terminal and left for operators.
func (c Channels) Consumed() []Channel {
	return []Channel{c.Start, c.Page, c.DLQ, c.Retry}
}

// Decode unmarshals a message body into v.
func Decode(msg *Message, v any) error {
	if err := json.Unmarshal(msg.Body, v); err != nil {
		return fmt.Errorf("decoding message %s from %s: %w", msg.ID, msg.Channel, err)
	}
	return nil
}
