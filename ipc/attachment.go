package ipc

import "fmt"

type AttachmentKind uint8

const (
	AttachNone AttachmentKind = iota
	AttachListener
	AttachHandler
)

func (k AttachmentKind) String() string {
	switch k {
	case AttachNone:
		return "none"
	case AttachListener:
		return "listener"
	case AttachHandler:
		return "handler"
	default:
		return fmt.Sprintf("AttachmentKind(%d)", uint8(k))
	}
}

// Attachment is the payload a Key carries for dispatch. It is either a listening
// endpoint, used to accept new connections, or the handler of an established one.
// The zero value carries nothing.
type Attachment struct {
	kind     AttachmentKind
	listener Listener
	handler  ConnHandler
}

func ListenerAttachment(l Listener) Attachment {
	if l == nil {
		return Attachment{}
	}
	return Attachment{kind: AttachListener, listener: l}
}

func HandlerAttachment(h ConnHandler) Attachment {
	if h == nil {
		return Attachment{}
	}
	return Attachment{kind: AttachHandler, handler: h}
}

func (a Attachment) Kind() AttachmentKind {
	return a.kind
}

// Listener resolves the attachment as a listening endpoint.
func (a Attachment) Listener() (Listener, error) {
	switch a.kind {
	case AttachListener:
		return a.listener, nil
	case AttachNone:
		return nil, ErrNoAttachment
	default:
		return nil, fmt.Errorf("%w: want %s, got %s", ErrAttachmentKind, AttachListener, a.kind)
	}
}

// Handler resolves the attachment as a connection handler.
func (a Attachment) Handler() (ConnHandler, error) {
	switch a.kind {
	case AttachHandler:
		return a.handler, nil
	case AttachNone:
		return nil, ErrNoAttachment
	default:
		return nil, fmt.Errorf("%w: want %s, got %s", ErrAttachmentKind, AttachHandler, a.kind)
	}
}
