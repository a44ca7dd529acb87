package broker

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// kafkaWriter is the part of *kafka.Writer the backend uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes to Kafka topics named after the last segment of the
// topic path. Messages are keyed by event id so redeliveries of one change
// land on the same partition.
type Kafka struct {
	writer  kafkaWriter
	brokers []string
	origin  string
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewKafka creates a synchronous writer that waits for the partition
// leader's acknowledgement.
func NewKafka(brokers []string, origin string, timeout time.Duration) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		AllowAutoTopicCreation: false,
	}
	d := &kafka.Dialer{Timeout: 5 * time.Second}
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return &Kafka{writer: w, brokers: brokers, origin: origin, dial: dial}
}

// Publish writes one message. The token is the generated message-id header.
func (k *Kafka) Publish(ctx context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	hdrs := headers(k.origin, msg)
	hdrs["message_id"] = id

	km := kafka.Message{
		Topic: TopicID(msg.Topic),
		Key:   []byte(msg.EventID),
		Value: msg.Data,
	}
	for key, v := range hdrs {
		km.Headers = append(km.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}

	if err := k.writer.WriteMessages(ctx, km); err != nil {
		return "", publishErr("kafka", km.Topic, err)
	}
	return id, nil
}

// Ping opens and closes a connection to the first reachable broker.
func (k *Kafka) Ping(ctx context.Context) error {
	var errs []string
	for _, addr := range k.brokers {
		conn, err := k.dial(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err.Error())
	}
	return fmt.Errorf("no kafka broker reachable: %s", strings.Join(errs, "; "))
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
