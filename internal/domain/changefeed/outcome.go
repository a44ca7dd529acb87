package changefeed

import (
	"net/http"

	"github.com/hospigen/fhir-bridge/internal/platform/telemetry"
)

// Kind is the terminal state of one notification.
type Kind int

const (
	// Published: the envelope was accepted by the broker.
	Published Kind = iota
	// Ignored: nothing to route; acknowledged so the channel drops it.
	Ignored
	// Skipped: understood but deliberately not routed (deletes, typeless
	// resources).
	Skipped
	// Retry: transient failure; the channel must redeliver.
	Retry
	// Rejected: the body cannot be attributed to anything.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Published:
		return "published"
	case Ignored:
		return "ignored"
	case Skipped:
		return "skipped"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is produced by every stage and interpreted uniformly by the HTTP
// layer.
type Outcome struct {
	Kind   Kind
	Reason string

	// Set for Published.
	Topic   string
	Project string
	Token   string
	EventID string

	// Diagnostics for logs; never sent to the caller.
	ResourceType string
	ResourceID   string
	Err          error
}

// Response is the webhook response body.
type Response struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	PublishedTo string `json:"published_to,omitempty"`
	Project     string `json:"project,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	EventID     string `json:"event_id,omitempty"`
}

func ignored(reason string) Outcome  { return Outcome{Kind: Ignored, Reason: reason} }
func skipped(reason string) Outcome  { return Outcome{Kind: Skipped, Reason: reason} }
func rejected(reason string) Outcome { return Outcome{Kind: Rejected, Reason: reason} }

func retry(reason string, err error) Outcome {
	return Outcome{Kind: Retry, Reason: reason, Err: err}
}

// Status is the response status field.
func (o Outcome) Status() string {
	switch o.Kind {
	case Published:
		return "ok"
	case Ignored:
		return "ignored"
	case Skipped:
		return "skipped"
	}
	return "error"
}

// HTTPStatus maps the outcome onto the push channel's ack contract: 2xx
// acknowledges, 5xx forces redelivery.
func (o Outcome) HTTPStatus() int {
	switch o.Kind {
	case Retry:
		return http.StatusInternalServerError
	case Rejected:
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// Response builds the body sent back to the caller.
func (o Outcome) Response() Response {
	if o.Kind == Published {
		return Response{
			Status:      o.Status(),
			PublishedTo: o.Topic,
			Project:     o.Project,
			MessageID:   o.Token,
			EventID:     o.EventID,
		}
	}
	return Response{Status: o.Status(), Reason: o.Reason}
}

func (o Outcome) metricLabel() string {
	switch o.Kind {
	case Published:
		return telemetry.OutcomePublished
	case Ignored:
		return telemetry.OutcomeIgnored
	case Skipped:
		return telemetry.OutcomeSkipped
	case Retry:
		return telemetry.OutcomeRetry
	}
	return telemetry.OutcomeRejected
}
