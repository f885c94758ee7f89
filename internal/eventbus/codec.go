package eventbus

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

type envelopeHeader struct {
	Name Name `json:"name"`
}

// Encode serializes an event as a flat JSON object whose "name" field
// carries the variant tag: {"name":"AccountCreated", ...fields}.
func Encode(event Event) ([]byte, error) {
	fields, err := codec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("eventbus: encode %s: %w", event.EventName(), err)
	}
	fields = bytes.TrimSpace(fields)
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("eventbus: encode %s: event must be a JSON object", event.EventName())
	}

	name, err := codec.Marshal(event.EventName())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(fields) + len(name) + 9)
	buf.WriteString(`{"name":`)
	buf.Write(name)
	if rest := bytes.TrimSpace(fields[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(fields[1:])
	return buf.Bytes(), nil
}

// PeekName reads only the tag of an encoded event.
func PeekName(body []byte) (Name, error) {
	var h envelopeHeader
	if err := codec.Unmarshal(body, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if h.Name == "" {
		return "", fmt.Errorf("%w: missing name", ErrInvalidPayload)
	}
	return h.Name, nil
}
