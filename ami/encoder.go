package ami

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

// EncodeLogin builds the Login action. Events are always requested; the
// gateway has no use for a session that does not stream.
func EncodeLogin(username, secret, actionID string) ([]byte, error) {
	return encodeAction(
		Field{"Action", "Login"},
		Field{"Username", username},
		Field{"Secret", secret},
		Field{"Events", "on"},
		Field{"ActionID", actionID},
	)
}

// EncodeKeepalive builds the Ping action used to keep an idle link alive.
func EncodeKeepalive(actionID string) ([]byte, error) {
	return encodeAction(
		Field{"Action", "Ping"},
		Field{"ActionID", actionID},
	)
}

func encodeAction(fields ...Field) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range fields {
		if strings.ContainsAny(f.Key, "\r\n:") || strings.ContainsAny(f.Value, "\r\n") {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: field %q contains a line break", errors.ErrInvalidData, f.Key),
				"ami", "encodeAction", "validate field")
		}
		buf.WriteString(f.Key)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
