package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsemap/pulsemap/internal/model"
)

func decode(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestConnectionEstablished(t *testing.T) {
	m := decode(t, ConnectionEstablished("abc"))
	assert.Equal(t, MsgConnectionEstablished, m["type"])
	assert.Equal(t, "abc", m["clientId"])
}

func TestReplaceAllAlwaysCarriesArray(t *testing.T) {
	m := decode(t, ReplaceAll(nil))
	events, ok := m["events"].([]interface{})
	require.True(t, ok, "events must be a JSON array even when empty")
	assert.Len(t, events, 0)
}

func TestErrorMessageTimestamp(t *testing.T) {
	m := decode(t, ErrorMessage("bad input"))
	assert.Equal(t, MsgError, m["type"])
	assert.Equal(t, "bad input", m["message"])
	_, err := time.Parse(time.RFC3339, m["timestamp"].(string))
	assert.NoError(t, err, "timestamp must be ISO-8601")
}

func TestExpandEnvelopeBatch(t *testing.T) {
	env := Envelope{
		Type:    "batch-update",
		Creates: []*model.Event{{ID: "a"}, {ID: "b"}},
		Updates: []*model.Event{{ID: "c"}},
		Deletes: []string{"d"},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	frames, err := ExpandEnvelope(raw)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, decode(t, f)["type"].(string))
	}
	assert.Equal(t, []string{MsgAddEvent, MsgAddEvent, MsgUpdateEvent, MsgDeleteEvent}, types)

	last := decode(t, frames[3])
	assert.Equal(t, "d", last["id"])
}

func TestExpandEnvelopeDiscretePassThrough(t *testing.T) {
	raw, _ := json.Marshal(Envelope{Type: MsgAddEvent, Event: &model.Event{ID: "x"}})
	frames, err := ExpandEnvelope(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	m := decode(t, frames[0])
	assert.Equal(t, MsgAddEvent, m["type"])
}

func TestExpandEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ExpandEnvelope([]byte("not json"))
	assert.Error(t, err)

	frames, err := ExpandEnvelope([]byte(`{"type":"mystery"}`))
	assert.NoError(t, err)
	assert.Len(t, frames, 0)

	// discrete envelope without its payload yields nothing
	frames, err = ExpandEnvelope([]byte(`{"type":"add-event"}`))
	assert.NoError(t, err)
	assert.Len(t, frames, 0)
}
