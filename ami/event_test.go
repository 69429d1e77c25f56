package ami

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *Event {
	at := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	return NewEvent("pbx-1", "sess-1", 7, at, Block{
		{"Event", "Hangup"},
		{"Channel", "SIP/100-00000002"},
		{"ChanVariable", "A=1"},
		{"Cause", "16"},
		{"ChanVariable", "B=\"2\""},
	})
}

func TestEvent_Accessors(t *testing.T) {
	ev := testEvent()

	assert.Equal(t, "pbx-1", ev.Server())
	assert.Equal(t, "sess-1", ev.SessionID())
	assert.Equal(t, uint64(7), ev.Sequence())
	assert.Equal(t, "Hangup", ev.Name())
	assert.Equal(t, 5, ev.Len())

	v, ok := ev.Get("channel")
	assert.True(t, ok)
	assert.Equal(t, "SIP/100-00000002", v)

	_, ok = ev.Get("Missing")
	assert.False(t, ok)

	assert.Equal(t, "A=1", ev.FieldMap()["ChanVariable"])
	assert.Equal(t, "pbx-1#sess-1/7 Hangup", ev.String())
}

func TestEvent_Immutable(t *testing.T) {
	b := Block{{"Event", "Dial"}}
	ev := NewEvent("s", "x", 0, time.Now(), b)
	b[0].Value = "Changed"

	fields := ev.Fields()
	fields[0].Value = "Changed too"

	assert.Equal(t, "Dial", ev.Name())
}

func TestEvent_FieldsJSON_OrderedWithRepeatedKeys(t *testing.T) {
	data, err := testEvent().FieldsJSON()
	require.NoError(t, err)

	assert.Equal(t,
		`{"Event":"Hangup","Channel":"SIP/100-00000002","ChanVariable":["A=1","B=\"2\""],"Cause":"16"}`,
		string(data))
}

func TestEvent_MarshalJSON(t *testing.T) {
	data, err := testEvent().MarshalJSON()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"server":"pbx-1",
		"session_id":"sess-1",
		"sequence":7,
		"received_at":"2024-03-09T14:05:00Z",
		"fields":{"Event":"Hangup","Channel":"SIP/100-00000002","ChanVariable":["A=1","B=\"2\""],"Cause":"16"}
	}`, string(data))
}
