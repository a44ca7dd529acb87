package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Publish(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf), "bridge")

	token, err := l.Publish(context.Background(), Message{
		Topic:   "projects/p/topics/notes.created",
		EventID: "evt-3",
		Data:    []byte(`{"event_id":"evt-3"}`),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "log:"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "projects/p/topics/notes.created", line["topic"])
	assert.Equal(t, token, line["token"])
	assert.Equal(t, map[string]any{"event_id": "evt-3"}, line["envelope"])
	assert.Equal(t, "bridge", line["attributes"].(map[string]any)["origin"])
	assert.NoError(t, l.Close())
}
