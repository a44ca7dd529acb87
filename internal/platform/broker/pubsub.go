package broker

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSub publishes to Google Cloud Pub/Sub. Topic handles are cached per
// fully-qualified path and share the client's connection pool.
type PubSub struct {
	client *pubsub.Client
	origin string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub creates the client. An empty project lets the library detect it
// from the ambient credentials.
func NewPubSub(ctx context.Context, project, origin string, opts ...option.ClientOption) (*PubSub, error) {
	if project == "" {
		project = pubsub.DetectProjectID
	}
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{client: client, origin: origin, topics: make(map[string]*pubsub.Topic)}, nil
}

// Project returns the client's project.
func (p *PubSub) Project() string {
	return p.client.Project()
}

func (p *PubSub) topic(path string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[path]; ok {
		return t
	}
	project := ProjectOf(path)
	if project == "" {
		project = p.client.Project()
	}
	t := p.client.TopicInProject(TopicID(path), project)
	p.topics[path] = t
	return t
}

// Publish sends msg and waits for the server-assigned message id.
func (p *PubSub) Publish(ctx context.Context, msg Message) (string, error) {
	result := p.topic(msg.Topic).Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: headers(p.origin, msg),
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", publishErr("pubsub", msg.Topic, err)
	}
	return id, nil
}

// Close flushes cached topics and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	return p.client.Close()
}
