// Package changefeed turns record-store change notifications into routed
// events: decode, fetch, classify, build the envelope, publish. Each
// notification is handled independently and ends in exactly one Outcome.
package changefeed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospigen/fhir-bridge/internal/domain/envelope"
	"github.com/hospigen/fhir-bridge/internal/domain/routing"
	"github.com/hospigen/fhir-bridge/internal/platform/broker"
	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
	"github.com/hospigen/fhir-bridge/internal/platform/notification"
	"github.com/hospigen/fhir-bridge/internal/platform/telemetry"
)

// Fetcher reads the current content of a resource.
type Fetcher interface {
	Fetch(ctx context.Context, loc fhir.Locator) (*fhir.Resource, error)
}

// Request is one inbound push delivery.
type Request struct {
	Body []byte
	// Trace is the caller's trace context, if any.
	Trace string
}

// Option configures a Router.
type Option func(*Router)

// WithProject pins the namespace used to resolve short topic names. When
// empty it is derived per notification.
func WithProject(project string) Option {
	return func(r *Router) { r.project = project }
}

// WithPublishTimeout bounds each publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Router) { r.publishTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(c *telemetry.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// Router handles notifications. It holds no per-request state and is safe
// for concurrent use.
type Router struct {
	fetcher    Fetcher
	classifier *routing.Classifier
	builder    *envelope.Builder
	publisher  broker.Publisher

	project        string
	publishTimeout time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Collector
}

func NewRouter(fetcher Fetcher, classifier *routing.Classifier, builder *envelope.Builder, publisher broker.Publisher, opts ...Option) *Router {
	r := &Router{
		fetcher:        fetcher,
		classifier:     classifier,
		builder:        builder,
		publisher:      publisher,
		publishTimeout: 10 * time.Second,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one notification.
func (r *Router) Handle(ctx context.Context, req Request) Outcome {
	start := time.Now()
	r.metrics.RecordReceived()

	out := r.handle(ctx, req)

	r.metrics.RecordOutcome(out.metricLabel(), out.Topic, time.Since(start))
	r.log(out, time.Since(start))
	return out
}

func (r *Router) handle(ctx context.Context, req Request) Outcome {
	n := notification.Decode(req.Body)
	if !n.Structured {
		return rejected("malformed request body")
	}
	if n.Locator.IsZero() {
		if n.Wrapped && !n.HasData {
			return ignored("no data")
		}
		return ignored("no resource name")
	}
	if n.Action == notification.ActionDelete {
		out := skipped("resource deleted")
		out.ResourceType, out.ResourceID = n.Locator.ResourceType(), n.Locator.ResourceID()
		return out
	}

	project := r.resolveProject(n)
	if project == "" {
		return retry("project_id not found", nil)
	}

	res, err := r.fetcher.Fetch(ctx, n.Locator)
	if err != nil {
		out := retry("fetch failed: "+err.Error(), err)
		out.ResourceType, out.ResourceID = n.Locator.ResourceType(), n.Locator.ResourceID()
		return out
	}
	if res.Type() == "" {
		return skipped("missing resourceType")
	}

	decision, ok := r.classifier.Classify(res, n.Action)
	if !ok {
		out := ignored("no mapping")
		out.ResourceType, out.ResourceID = res.Type(), res.ID()
		return out
	}

	env := r.builder.Build(envelope.Input{
		Topic:          decision.Topic,
		Resource:       res,
		Trace:          req.Trace,
		NotificationID: n.MessageID,
	})
	data, err := env.Marshal()
	if err != nil {
		return retry("encode envelope: "+err.Error(), err)
	}

	pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	token, err := r.publisher.Publish(pctx, broker.Message{
		Topic:        broker.TopicPath(decision.Topic, project),
		EventID:      env.EventID,
		ResourceType: env.ResourceType,
		Data:         data,
	})
	if err != nil {
		out := retry(err.Error(), err)
		out.ResourceType, out.ResourceID, out.EventID = res.Type(), res.ID(), env.EventID
		return out
	}

	return Outcome{
		Kind:         Published,
		Topic:        decision.Topic,
		Project:      project,
		Token:        token,
		EventID:      env.EventID,
		ResourceType: res.Type(),
		ResourceID:   res.ID(),
	}
}

// resolveProject picks the namespace: configured value, then the storeName
// attribute, then the resource name itself.
func (r *Router) resolveProject(n notification.Notification) string {
	if r.project != "" {
		return r.project
	}
	if p := fhir.ProjectFromPath(n.StoreName()); p != "" {
		return p
	}
	return fhir.ProjectFromPath(n.Locator.Name)
}

func (r *Router) log(out Outcome, elapsed time.Duration) {
	var ev *zerolog.Event
	switch out.Kind {
	case Retry:
		ev = r.logger.Warn().Err(out.Err)
	case Rejected:
		ev = r.logger.Warn()
	default:
		ev = r.logger.Info()
	}
	ev = ev.Str("outcome", out.Kind.String()).Dur("elapsed", elapsed)
	if out.Reason != "" {
		ev = ev.Str("reason", out.Reason)
	}
	if out.ResourceType != "" {
		ev = ev.Str("resource_type", out.ResourceType).Str("resource_id", out.ResourceID)
	}
	if out.Topic != "" {
		ev = ev.Str("topic", out.Topic).Str("project", out.Project).Str("token", out.Token)
	}
	if out.EventID != "" {
		ev = ev.Str("event_id", out.EventID)
	}
	ev.Msg("notification handled")
}
