package natsjs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmirror/internal/events"
)

func TestSubjectAndDurableName(t *testing.T) {
	assert.Equal(t, "mailsync.message.mark-read", Subject(events.MessageMarkRead))
	assert.Equal(t, "mailsync-message-mark-read", DurableName(events.MessageMarkRead))
	assert.NotContains(t, DurableName(events.FoldersSync), ".")
}

func TestDecodeRoundTrip(t *testing.T) {
	ev := events.New(events.MessagesSync, events.Payload{UserID: "u1", AccountID: "a1"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, events.MessagesSync, got.Name)
	assert.Equal(t, ev.Payload, got.Payload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{"userId":"u1"}}`))
	assert.Error(t, err)
}
