package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

func TestTemplate_Expand(t *testing.T) {
	ev := ami.NewEvent("pbx.east", "s", 0, time.Now(), ami.Block{{Key: "Event", Value: "Hangup"}})
	noName := ami.NewEvent("pbx1", "s", 0, time.Now(), ami.Block{{Key: "Channel", Value: "x"}})

	tests := []struct {
		name    string
		pattern string
		escape  func(string) string
		ev      *ami.Event
		want    string
	}{
		{"static", "ami.events", nil, ev, "ami.events"},
		{"both", "ami.{server}.{event}", nil, ev, "ami.pbx.east.Hangup"},
		{"escaped", "ami.{server}.{event}", SubjectToken, ev, "ami.pbx_east.Hangup"},
		{"missing event", "ami:{event}", nil, noName, "ami:unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewTemplate(tt.pattern, tt.escape).Expand(tt.ev))
		})
	}
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e", SubjectToken("a.b*c>d e"))
}
