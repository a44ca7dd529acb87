package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospigen/fhir-bridge/internal/config"
	"github.com/hospigen/fhir-bridge/internal/domain/envelope"
	"github.com/hospigen/fhir-bridge/internal/platform/broker"
)

const finalLab = `{
  "resourceType": "Observation",
  "id": "obs1",
  "status": "final",
  "category": [{"coding": [{"code": "laboratory"}]}],
  "subject": {"reference": "Patient/123"},
  "effectiveDateTime": "2025-01-01T00:00:00Z"
}`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestClassify_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obs.json")
	require.NoError(t, os.WriteFile(path, []byte(finalLab), 0o644))

	out, err := run(t, "", "classify", "--file", path, "--project", "p1")
	require.NoError(t, err)

	var result classifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "observation", result.Rule)
	assert.Equal(t, "results.final", result.Topic)
	assert.Equal(t, "projects/p1/topics/results.final", result.TopicPath)
	require.NotNil(t, result.Envelope)
	assert.Equal(t, envelope.EventID("results.final", "Observation", "obs1", "2025-01-01T00:00:00Z", "final"), result.Envelope.EventID)
	require.NotNil(t, result.Envelope.PatientRef)
	assert.Equal(t, "Patient/123", *result.Envelope.PatientRef)
}

func TestClassify_FromStdinUnmapped(t *testing.T) {
	out, err := run(t, `{"resourceType":"Patient","id":"123"}`, "classify")
	require.NoError(t, err)

	var result classifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ignored", result.Status)
	assert.Equal(t, "no mapping", result.Reason)
	assert.Nil(t, result.Envelope)
}

func TestClassify_InvalidResource(t *testing.T) {
	_, err := run(t, `[1,2]`, "classify")
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	out, err := run(t, "", "topics", "--project", "p1")
	require.NoError(t, err)

	assert.Contains(t, out, "CATEGORY")
	assert.Contains(t, out, "RESULTS_FINAL_TOPIC")
	assert.Contains(t, out, "projects/p1/topics/rpm.vitals")
}

func TestTopics_UnboundFails(t *testing.T) {
	t.Setenv("ED_TRIAGE_TOPIC", "")

	out, err := run(t, "", "topics")
	assert.Error(t, err)
	assert.Contains(t, out, "(unbound)")
}

func TestNewLogger_Level(t *testing.T) {
	cfg := &config.Config{LogLevel: "warn", InstanceID: "i-1"}
	assert.Equal(t, zerolog.WarnLevel, newLogger(cfg).GetLevel())

	cfg.LogLevel = "bogus"
	assert.Equal(t, zerolog.InfoLevel, newLogger(cfg).GetLevel())
}

func TestNewPublisher(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	p, err := newPublisher(ctx, &config.Config{Broker: "log", PublishOrigin: "bridge"}, "p1", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &broker.Log{}, p)

	p, err = newPublisher(ctx, &config.Config{Broker: "kafka", KafkaBrokers: "localhost:9092"}, "p1", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &broker.Kafka{}, p)
	require.NoError(t, p.Close())

	p, err = newPublisher(ctx, &config.Config{Broker: "rabbitmq", RabbitMQURL: "amqp://localhost"}, "p1", nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &broker.RabbitMQ{}, p)

	_, err = newPublisher(ctx, &config.Config{Broker: "outbox"}, "p1", nil, logger)
	assert.Error(t, err)

	_, err = newPublisher(ctx, &config.Config{Broker: "sqs"}, "p1", nil, logger)
	assert.Error(t, err)
}

func TestPushChain(t *testing.T) {
	chain, err := pushChain(context.Background(), &config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	chain, err = pushChain(context.Background(), &config.Config{
		PushAuthAudience: "https://bridge/pubsub/push",
		PushAuthIssuer:   "https://accounts.google.com",
		PushAuthJWKSURL:  "http://127.0.0.1:1/certs",
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}
