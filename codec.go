package treez

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format is a self-describing serialization of an Entry tree.
type Format uint8

const (
	FormatJSON    Format = iota // JSON object per tree
	FormatMsgPack               // MessagePack map per tree
)

// String returns the name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgPack:
		return "msgpack"
	default:
		return "unknown"
	}
}

// ParseFormat converts a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "msgpack", "messagepack":
		return FormatMsgPack, nil
	default:
		return FormatJSON, fmt.Errorf("invalid format: %q (expected: json|msgpack)", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatMsgPack {
		return "application/msgpack"
	}
	return "application/json"
}

// Marshal encodes an entry tree.
func (f Format) Marshal(e *Entry) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(e)
	case FormatMsgPack:
		return msgpack.Marshal(e)
	default:
		return nil, fmt.Errorf("unknown format: %v", f)
	}
}

// Unmarshal decodes an entry tree.
func (f Format) Unmarshal(data []byte) (Entry, error) {
	var e Entry
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &e)
	case FormatMsgPack:
		err = msgpack.Unmarshal(data, &e)
	default:
		err = fmt.Errorf("unknown format: %v", f)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s entry: %w", f, err)
	}
	return e, nil
}
