package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log writes envelopes to the logger instead of a broker. Useful for local
// runs and dry runs against a real record store.
type Log struct {
	logger zerolog.Logger
	origin string
}

func NewLog(logger zerolog.Logger, origin string) *Log {
	return &Log{logger: logger.With().Str("component", "broker.log").Logger(), origin: origin}
}

func (l *Log) Publish(_ context.Context, msg Message) (string, error) {
	token := "log:" + uuid.NewString()
	attrs := zerolog.Dict()
	for k, v := range headers(l.origin, msg) {
		attrs.Str(k, v)
	}
	l.logger.Info().
		Str("topic", msg.Topic).
		Str("token", token).
		Dict("attributes", attrs).
		RawJSON("envelope", msg.Data).
		Msg("envelope published")
	return token, nil
}

func (l *Log) Close() error { return nil }
