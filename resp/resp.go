package resp

// Frames are a subset of RESP:
// https://github.com/redis/redis-specifications/blob/master/protocol/RESP3.md
//
//	$<len>\r\n<payload>\r\n    blob, carries one opaque message
//	-<message>\r\n              error reply

const CRLF string = "\r\n"

const (
	TypeBlob  byte = '$'
	TypeError byte = '-'
)

// DefaultMaxFrameSize bounds the payload of a single blob frame.
const DefaultMaxFrameSize = 1 << 20

// Frame is one decoded unit from the wire.
type Frame struct {
	Type byte
	Data []byte
}

// IsError reports whether the frame is an error reply.
func (f Frame) IsError() bool {
	return f.Type == TypeError
}
