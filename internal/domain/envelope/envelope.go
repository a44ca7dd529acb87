// Package envelope wraps classified resources into the events published
// downstream. Envelopes are rebuilt from scratch on every delivery; the
// deterministic event id is what lets consumers drop duplicates.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
)

// TimeLayout is the UTC second-precision layout used for every timestamp the
// bridge generates itself.
const TimeLayout = "2006-01-02T15:04:05Z"

// Provenance identifies the logic that produced an envelope and the time
// window its decision was based on.
type Provenance struct {
	SourceSystem   string  `json:"source_system"`
	LogicID        string  `json:"logic_id"`
	InputsSpan     string  `json:"inputs_span"`
	Trace          *string `json:"trace"`
	NotificationID string  `json:"notification_id,omitempty"`
}

// Envelope is the unit published to a topic.
type Envelope struct {
	EventID      string     `json:"event_id"`
	Topic        string     `json:"topic"`
	OccurredAt   string     `json:"occurred_at"`
	PublishedAt  string     `json:"published_at"`
	PatientRef   *string    `json:"patient_ref"`
	ResourceType string     `json:"resource_type"`
	ResourceID   *string    `json:"resource_id"`
	Resource     string     `json:"resource"`
	Provenance   Provenance `json:"provenance"`
}

// Marshal encodes the envelope as compact JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Input carries everything Build needs besides the clock.
type Input struct {
	Topic          string
	Resource       *fhir.Resource
	Trace          string
	NotificationID string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder builds envelopes stamped with a fixed source system and logic id.
type Builder struct {
	sourceSystem string
	logicID      string
	now          func() time.Time
}

// NewBuilder returns a Builder.
func NewBuilder(sourceSystem, logicID string, opts ...Option) *Builder {
	b := &Builder{sourceSystem: sourceSystem, logicID: logicID, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LogicID returns the logic identifier stamped into provenance.
func (b *Builder) LogicID() string { return b.logicID }

// Build wraps in.Resource for in.Topic. The resource is never modified.
func (b *Builder) Build(in Input) *Envelope {
	res := in.Resource
	now := FormatTime(b.now())
	occurred := OccurredAt(res, now)

	env := &Envelope{
		EventID:      EventID(in.Topic, res.Type(), res.ID(), occurred, res.RawStatus()),
		Topic:        in.Topic,
		OccurredAt:   occurred,
		PublishedAt:  now,
		PatientRef:   optional(PatientRef(res)),
		ResourceType: res.Type(),
		ResourceID:   optional(res.ID()),
		Resource:     res.Compact(),
		Provenance: Provenance{
			SourceSystem:   b.sourceSystem,
			LogicID:        b.logicID,
			InputsSpan:     "[" + occurred + "," + now + "]",
			Trace:          optional(in.Trace),
			NotificationID: in.NotificationID,
		},
	}
	return env
}

// EventID hashes the identifying fields of a change. Identical inputs always
// give the identical id.
func EventID(topic, resourceType, resourceID, occurredAt, status string) string {
	basis := strings.Join([]string{topic, resourceType, resourceID, occurredAt, status}, "|")
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])
}

// FormatTime renders t in UTC at second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
