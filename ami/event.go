package ami

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Event is one AMI event tagged with its origin. It is immutable once built
// and shared read-only between the rule engine and every destination it is
// routed to.
type Event struct {
	server     string
	sessionID  string
	sequence   uint64
	receivedAt time.Time
	fields     Block
}

// NewEvent copies the fields of b into a new Event.
func NewEvent(server, sessionID string, sequence uint64, receivedAt time.Time, b Block) *Event {
	fields := make(Block, len(b))
	copy(fields, b)
	return &Event{
		server:     server,
		sessionID:  sessionID,
		sequence:   sequence,
		receivedAt: receivedAt,
		fields:     fields,
	}
}

// Server is the name of the server the event came from.
func (e *Event) Server() string { return e.server }

// SessionID identifies the Streaming period that produced the event.
func (e *Event) SessionID() string { return e.sessionID }

// Sequence is the position of the event within its session, starting at zero.
func (e *Event) Sequence() uint64 { return e.sequence }

// ReceivedAt is the wall-clock time the event was decoded.
func (e *Event) ReceivedAt() time.Time { return e.receivedAt }

// Name returns the value of the Event header.
func (e *Event) Name() string {
	v, _ := e.fields.Get("Event")
	return v
}

// Get returns the first value of key, matched case-insensitively.
func (e *Event) Get(key string) (string, bool) {
	return e.fields.Get(key)
}

// Len returns the number of fields.
func (e *Event) Len() int { return len(e.fields) }

// Fields returns a copy of the fields in wire order.
func (e *Event) Fields() []Field {
	out := make([]Field, len(e.fields))
	copy(out, e.fields)
	return out
}

// FieldMap returns the fields as a map. Repeated keys keep their first value.
func (e *Event) FieldMap() map[string]string {
	m := make(map[string]string, len(e.fields))
	for _, f := range e.fields {
		if _, seen := m[f.Key]; !seen {
			m[f.Key] = f.Value
		}
	}
	return m
}

// FieldsJSON encodes the fields as a JSON object in wire order. A key that
// repeats is emitted once, at its first position, with an array value.
func (e *Event) FieldsJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := e.writeFields(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Event) writeFields(buf *bytes.Buffer) error {
	type group struct {
		key    string
		values []string
	}
	var groups []*group
	index := make(map[string]*group, len(e.fields))
	for _, f := range e.fields {
		if g, ok := index[f.Key]; ok {
			g.values = append(g.values, f.Value)
			continue
		}
		g := &group{key: f.Key, values: []string{f.Value}}
		index[f.Key] = g
		groups = append(groups, g)
	}

	buf.WriteByte('{')
	for i, g := range groups {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(g.key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var value []byte
		if len(g.values) == 1 {
			value, err = json.Marshal(g.values[0])
		} else {
			value, err = json.Marshal(g.values)
		}
		if err != nil {
			return err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return nil
}

// MarshalJSON encodes the event with its origin metadata.
func (e *Event) MarshalJSON() ([]byte, error) {
	header, err := json.Marshal(struct {
		Server     string    `json:"server"`
		SessionID  string    `json:"session_id"`
		Sequence   uint64    `json:"sequence"`
		ReceivedAt time.Time `json:"received_at"`
	}{e.server, e.sessionID, e.sequence, e.receivedAt})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(header[:len(header)-1])
	buf.WriteString(`,"fields":`)
	if err := e.writeFields(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String renders the event for logs.
func (e *Event) String() string {
	var sb strings.Builder
	sb.WriteString(e.server)
	sb.WriteByte('#')
	sb.WriteString(e.sessionID)
	sb.WriteByte('/')
	sb.WriteString(strconv.FormatUint(e.sequence, 10))
	sb.WriteByte(' ')
	sb.WriteString(e.Name())
	return sb.String()
}
