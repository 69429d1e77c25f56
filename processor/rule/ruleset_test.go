package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

var knownDests = []string{"file", "db", "bus", "cache"}

func TestCompile_Valid(t *testing.T) {
	rs, err := Compile([]ClauseConfig{
		{Name: "hangups", Event: "Hangup", Destinations: []string{"file", "db"}},
		{Name: "sip", Match: &Condition{Field: "Channel", Op: OpStartsWith, Value: "SIP/"}, Destinations: []string{"bus"}},
	}, knownDests)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, []string{"hangups", "sip"}, rs.ClauseNames())
}

func TestCompile_DeadClause(t *testing.T) {
	_, err := Compile([]ClauseConfig{{Name: "nowhere", Event: "Hangup"}}, knownDests)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeadClause)
	assert.True(t, errors.IsInvalid(err))
}

func TestCompile_UnknownDestination(t *testing.T) {
	_, err := Compile([]ClauseConfig{{Name: "x", Event: "Hangup", Destinations: []string{"file", "s3"}}}, knownDests)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownDestination)
	assert.Contains(t, err.Error(), `"s3"`)
}

func TestCompile_ReportsEveryProblem(t *testing.T) {
	_, err := Compile([]ClauseConfig{
		{Name: "a", Event: "Hangup"},
		{Name: "a", Event: "Hangup", Destinations: []string{"file"}},
		{Name: "b", Destinations: []string{"file"}},
		{Name: "", Event: "Hangup", Destinations: []string{"file"}},
		{Name: "c", Match: &Condition{Field: "X", Op: "between"}, Destinations: []string{"file"}},
	}, knownDests)
	require.Error(t, err)

	msg := err.Error()
	assert.ErrorIs(t, err, errors.ErrDeadClause)
	assert.Contains(t, msg, "duplicate name")
	assert.Contains(t, msg, "needs event or match")
	assert.Contains(t, msg, "name is required")
	assert.Contains(t, msg, "unsupported operator")
}

func TestCompile_EmptyIsValid(t *testing.T) {
	rs, err := Compile(nil, knownDests)
	require.NoError(t, err)
	assert.Nil(t, rs.Evaluate(event("Event", "Hangup")))
}

func TestRuleSet_EvaluateUnion(t *testing.T) {
	rs, err := Compile([]ClauseConfig{
		{Name: "hangups", Event: "Hangup", Destinations: []string{"db", "file"}},
		{Name: "sip", Match: &Condition{Field: "Channel", Op: OpStartsWith, Value: "SIP/"}, Destinations: []string{"bus", "db"}},
		{Name: "iax", Match: &Condition{Field: "Channel", Op: OpStartsWith, Value: "IAX2/"}, Destinations: []string{"cache"}},
	}, knownDests)
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   []string
		want []string
	}{
		{"both clauses, no duplicates", []string{"Event", "Hangup", "Channel", "SIP/1"}, []string{"db", "file", "bus"}},
		{"first only", []string{"Event", "Hangup", "Channel", "Local/1"}, []string{"db", "file"}},
		{"second only", []string{"Event", "Newchannel", "Channel", "SIP/1"}, []string{"bus", "db"}},
		{"none", []string{"Event", "Newchannel", "Channel", "Local/1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rs.Evaluate(event(tt.ev...)))
		})
	}
}

func TestRuleSet_EventShorthandAndMatch(t *testing.T) {
	rs, err := Compile([]ClauseConfig{{
		Name:         "sip-hangups",
		Event:        "Hangup",
		Match:        &Condition{Field: "Channel", Op: OpStartsWith, Value: "SIP/"},
		Destinations: []string{"file"},
	}}, knownDests)
	require.NoError(t, err)

	assert.Equal(t, []string{"file"}, rs.Evaluate(event("Event", "Hangup", "Channel", "SIP/1")))
	assert.Nil(t, rs.Evaluate(event("Event", "Hangup", "Channel", "IAX2/1")))
	assert.Nil(t, rs.Evaluate(event("Event", "Newchannel", "Channel", "SIP/1")))
}

func TestRuleSet_DuplicateDestinationInClause(t *testing.T) {
	rs, err := Compile([]ClauseConfig{{Name: "x", Event: "Hangup", Destinations: []string{"file", "file"}}}, knownDests)
	require.NoError(t, err)
	assert.Equal(t, []string{"file"}, rs.Evaluate(event("Event", "Hangup")))
}
