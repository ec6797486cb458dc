package ipc

import "errors"

var (
	// ErrReactorClosed is returned by Register once the reactor left the running state.
	ErrReactorClosed = errors.New("ipc: reactor closed")

	// ErrWouldBlock is returned by non-blocking accept, read and write when nothing can be done now.
	ErrWouldBlock = errors.New("ipc: operation would block")

	// ErrNoAttachment means a key reached dispatch without an attachment.
	ErrNoAttachment = errors.New("ipc: key has no attachment")

	// ErrAttachmentKind means a key carries an attachment of the wrong variant for its ready ops.
	ErrAttachmentKind = errors.New("ipc: unexpected attachment kind")

	ErrAlreadyRegistered = errors.New("ipc: channel already registered")
	ErrKeyCancelled      = errors.New("ipc: key cancelled")
	ErrSelectorClosed    = errors.New("ipc: selector closed")
)
