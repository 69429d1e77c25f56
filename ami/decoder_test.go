package ami

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/errors"
)

const sampleStream = "Response: Success\r\nActionID: login-1\r\nMessage: Authentication accepted\r\n\r\n" +
	"Event: FullyBooted\r\nPrivilege: system,all\r\nStatus: Fully Booted\r\n\r\n" +
	"Event: Newchannel\r\nChannel: SIP/200-00000001\r\nCallerIDNum: 200\r\nUniqueid: 1700000000.1\r\n\r\n" +
	"Event: Hangup\r\nChannel: SIP/100-00000002\r\nCause: 16\r\nCause-txt: Normal Clearing\r\nChanVariable: A=1\r\nChanVariable: B=2\r\n\r\n"

func decodeAll(t *testing.T, r io.Reader) []Block {
	t.Helper()
	d := NewDecoder(r)
	var blocks []Block
	for {
		b, err := d.Next()
		if err == io.EOF {
			return blocks
		}
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
}

// chunkReader delivers data in random-sized reads.
type chunkReader struct {
	data []byte
	rng  *rand.Rand
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := 1 + c.rng.Intn(7)
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoder_BoundaryInsensitive(t *testing.T) {
	whole := decodeAll(t, strings.NewReader(sampleStream))
	require.Len(t, whole, 4)

	oneByte := decodeAll(t, iotest.OneByteReader(strings.NewReader(sampleStream)))
	assert.Equal(t, whole, oneByte)

	for seed := int64(0); seed < 50; seed++ {
		got := decodeAll(t, &chunkReader{data: []byte(sampleStream), rng: rand.New(rand.NewSource(seed))})
		require.Equal(t, whole, got, "seed %d", seed)
	}
}

func TestDecoder_Fields(t *testing.T) {
	blocks := decodeAll(t, strings.NewReader(sampleStream))

	assert.True(t, blocks[0].IsResponse())
	assert.True(t, blocks[0].ResponseSuccess())
	assert.Equal(t, "login-1", blocks[0].ActionID())
	assert.False(t, blocks[0].IsEvent())

	hangup := blocks[3]
	assert.True(t, hangup.IsEvent())
	v, ok := hangup.Get("cause-TXT")
	assert.True(t, ok)
	assert.Equal(t, "Normal Clearing", v)
	assert.Len(t, hangup, 6)
	assert.Equal(t, Field{"ChanVariable", "B=2"}, hangup[5])
}

func TestDecoder_AcceptsLFAndSkipsLeadingBlankLines(t *testing.T) {
	blocks := decodeAll(t, strings.NewReader("\r\n\nEvent: Ping\nKey :  spaced value  \n\n"))

	require.Len(t, blocks, 1)
	assert.Equal(t, Block{{"Event", "Ping"}, {"Key", "spaced value"}}, blocks[0])
}

func TestDecoder_EmptyValue(t *testing.T) {
	blocks := decodeAll(t, strings.NewReader("Event: Dial\r\nDialString:\r\n\r\n"))
	require.Len(t, blocks, 1)
	v, ok := blocks[0].Get("DialString")
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestDecoder_FrameErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"missing colon", "Event: Hangup\r\ngarbage line\r\n\r\n", "missing colon"},
		{"empty key", "Event: Hangup\r\n: value\r\n\r\n", "empty key"},
		{"eof inside block", "Event: Hangup\r\nChannel: SIP/1\r\n", "stream ended inside block"},
		{"eof inside line", "Event: Hangup\r\nChan", "stream ended inside block"},
		{"line too long", "Event: " + strings.Repeat("x", MaxLineLength+10) + "\r\n\r\n", "line too long"},
		{"too many fields", "Event: Big\r\n" + strings.Repeat("K: v\r\n", MaxFields) + "\r\n", "too many fields in block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(tt.input))
			_, err := d.Next()
			require.Error(t, err)

			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.reason, fe.Reason)
			assert.True(t, errors.IsFrame(err))
			assert.True(t, errors.IsTransient(err))
		})
	}
}

func TestDecoder_CleanEOF(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))
	_, err := d.Next()
	assert.Equal(t, io.EOF, err)

	d = NewDecoder(strings.NewReader("Event: A\r\n\r\n\r\n"))
	_, err = d.Next()
	require.NoError(t, err)
	_, err = d.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_ReadErrorPassesThrough(t *testing.T) {
	boom := io.ErrClosedPipe
	d := NewDecoder(io.MultiReader(strings.NewReader("Event: A\r\n"), iotest.ErrReader(boom)))
	_, err := d.Next()
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.IsFrame(err))
}

func TestDecoder_ReadBanner(t *testing.T) {
	d := NewDecoder(strings.NewReader("Asterisk Call Manager/5.0.1\r\nEvent: A\r\n\r\n"))
	version, err := d.ReadBanner()
	require.NoError(t, err)
	assert.Equal(t, "5.0.1", version)

	b, err := d.Next()
	require.NoError(t, err)
	assert.True(t, b.IsEvent())

	_, err = NewDecoder(strings.NewReader("SSH-2.0-OpenSSH_9.6\r\n")).ReadBanner()
	assert.ErrorIs(t, err, errors.ErrBannerMismatch)

	_, err = NewDecoder(bytes.NewReader(nil)).ReadBanner()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameError_Message(t *testing.T) {
	err := &FrameError{Line: 3, Reason: "missing colon", Text: "oops"}
	assert.Equal(t, `ami frame error at line 3: missing colon: "oops"`, err.Error())
	assert.Equal(t, "ami frame error at line 9: stream ended inside block",
		(&FrameError{Line: 9, Reason: "stream ended inside block"}).Error())
}
