// Package broker publishes envelopes to topics. Every backend implements
// Publisher; none of them retries a failed publish, redelivery of the
// originating notification takes care of that.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrPublish wraps every publish failure.
var ErrPublish = errors.New("publish failed")

// Message is one envelope addressed to a fully-qualified topic.
type Message struct {
	// Topic is the fully-qualified topic path (projects/<p>/topics/<t>).
	Topic        string
	EventID      string
	ResourceType string
	Data         []byte
	// Attributes are extra headers. Backends add origin, event_id and
	// resource_type themselves.
	Attributes map[string]string
}

// Publisher delivers messages and returns an opaque delivery token.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
	Close() error
}

// Pinger is implemented by backends that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Kind names a backend.
type Kind string

const (
	KindPubSub   Kind = "pubsub"
	KindKafka    Kind = "kafka"
	KindRabbitMQ Kind = "rabbitmq"
	KindOutbox   Kind = "outbox"
	KindLog      Kind = "log"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPubSub, KindKafka, KindRabbitMQ, KindOutbox, KindLog:
		return k, nil
	}
	return "", fmt.Errorf("unknown broker %q", s)
}

// TopicPath resolves a short topic name against project. Fully-qualified
// names pass through unchanged.
func TopicPath(topic, project string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return "projects/" + project + "/topics/" + topic
}

// TopicID returns the last segment of a topic path.
func TopicID(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// ProjectOf returns the project segment of a fully-qualified topic path.
func ProjectOf(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "projects" {
		return parts[1]
	}
	return ""
}

func headers(origin string, msg Message) map[string]string {
	h := make(map[string]string, len(msg.Attributes)+3)
	for k, v := range msg.Attributes {
		h[k] = v
	}
	if origin != "" {
		h["origin"] = origin
	}
	if msg.EventID != "" {
		h["event_id"] = msg.EventID
	}
	if msg.ResourceType != "" {
		h["resource_type"] = msg.ResourceType
	}
	return h
}

func publishErr(backend, topic string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPublish, backend, topic, err)
}

// WaitReady pings p with bounded exponential backoff until it answers or
// maxWait elapses. Backends without Ping are ready immediately.
func WaitReady(ctx context.Context, p Publisher, maxWait time.Duration, logger zerolog.Logger) error {
	pinger, ok := p.(Pinger)
	if !ok {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxWait

	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pinger.Ping(pctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("broker not ready")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("broker not ready after %d attempts: %w", attempt, err)
	}
	return nil
}
