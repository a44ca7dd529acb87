package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpSession is one connection plus a channel in confirm mode.
type amqpSession interface {
	// PublishConfirmed publishes and waits for the broker's ack or nack.
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	IsClosed() bool
	Close() error
}

type amqpDialer func(ctx context.Context, url, exchange string) (amqpSession, error)

// defaultDialTimeout bounds one connection attempt, handshake included.
const defaultDialTimeout = 10 * time.Second

var errClosed = errors.New("publisher closed")

// RabbitMQ publishes to a durable topic exchange, routed by the last segment
// of the topic path. A broken connection is re-dialled on the next publish.
type RabbitMQ struct {
	url         string
	exchange    string
	origin      string
	dial        amqpDialer
	dialTimeout time.Duration

	mu      sync.Mutex
	session amqpSession
	pending *amqpDial
	closed  bool
}

// amqpDial is one in-flight connection attempt shared by every caller that
// needs a session while it runs.
type amqpDial struct {
	done    chan struct{}
	session amqpSession
	err     error
}

// NewRabbitMQ returns a publisher for exchange. The connection is opened
// lazily; use WaitReady to connect at startup.
func NewRabbitMQ(url, exchange, origin string) *RabbitMQ {
	return &RabbitMQ{url: url, exchange: exchange, origin: origin, dial: dialAMQP, dialTimeout: defaultDialTimeout}
}

// current returns the open session, dialling if needed. It waits for the
// dial only as long as ctx allows; an abandoned dial still completes in the
// background and serves later publishes.
func (r *RabbitMQ) current(ctx context.Context) (amqpSession, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errClosed
	}
	if r.session != nil && !r.session.IsClosed() {
		s := r.session
		r.mu.Unlock()
		return s, nil
	}
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}
	if r.pending == nil {
		r.pending = r.startDial()
	}
	d := r.pending
	r.mu.Unlock()

	select {
	case <-d.done:
		return d.session, d.err
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to rabbitmq: %w", ctx.Err())
	}
}

// startDial must be called with r.mu held.
func (r *RabbitMQ) startDial() *amqpDial {
	d := &amqpDial{done: make(chan struct{})}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout)
		defer cancel()
		s, err := r.dial(ctx, r.url, r.exchange)

		r.mu.Lock()
		r.pending = nil
		switch {
		case err != nil:
			d.err = err
		case r.closed:
			_ = s.Close()
			d.err = errClosed
		default:
			r.session = s
			d.session = s
		}
		r.mu.Unlock()
		close(d.done)
	}()
	return d
}

// Publish sends msg persistently and waits for the publisher confirm. The
// token is the AMQP message id.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) (string, error) {
	s, err := r.current(ctx)
	if err != nil {
		return "", publishErr("rabbitmq", msg.Topic, err)
	}

	id := uuid.NewString()
	table := amqp.Table{}
	for k, v := range headers(r.origin, msg) {
		table[k] = v
	}

	acked, err := s.PublishConfirmed(ctx, r.exchange, TopicID(msg.Topic), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         msg.Data,
	})
	if err != nil {
		return "", publishErr("rabbitmq", msg.Topic, err)
	}
	if !acked {
		return "", publishErr("rabbitmq", msg.Topic, errors.New("nacked by broker"))
	}
	return id, nil
}

// Ping connects if needed.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	_, err := r.current(ctx)
	return err
}

// Close closes the session. A dial still in flight is closed when it lands.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	return err
}

// contextDialer bounds the TCP dial and the AMQP handshake by ctx. The
// client clears the connection deadline once the handshake completes.
func contextDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

type amqpChannelSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
}

func dialAMQP(ctx context.Context, url, exchange string) (amqpSession, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "fhir-bridge"},
		Dial:       contextDialer(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &amqpChannelSession{conn: conn, ch: ch}, nil
}

func (s *amqpChannelSession) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	// Confirms are matched by delivery tag, so publishes on one channel
	// are serialised.
	s.mu.Lock()
	dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return dc.WaitContext(ctx)
}

func (s *amqpChannelSession) IsClosed() bool {
	return s.conn.IsClosed() || s.ch.IsClosed()
}

func (s *amqpChannelSession) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
