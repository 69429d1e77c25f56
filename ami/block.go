package ami

import "strings"

// Field is one "Key: Value" line of a protocol block.
type Field struct {
	Key   string
	Value string
}

// Block is one blank-line terminated message in wire order. Keys may repeat.
type Block []Field

// Get returns the first value whose key matches case-insensitively.
func (b Block) Get(key string) (string, bool) {
	for _, f := range b {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return "", false
}

// IsEvent reports whether the block carries an Event header.
func (b Block) IsEvent() bool {
	_, ok := b.Get("Event")
	return ok
}

// IsResponse reports whether the block answers an action.
func (b Block) IsResponse() bool {
	_, ok := b.Get("Response")
	return ok
}

// ResponseSuccess reports whether the block is "Response: Success".
func (b Block) ResponseSuccess() bool {
	v, _ := b.Get("Response")
	return strings.EqualFold(v, "Success")
}

// ActionID returns the ActionID header, if any.
func (b Block) ActionID() string {
	v, _ := b.Get("ActionID")
	return v
}
