package chatual

import "errors"

var (
	// ErrMissingUserID is reported when a connection is requested without a user.
	ErrMissingUserID = errors.New("chatual: user id is required")

	// ErrInvalidOrigin is reported when the realtime endpoint cannot be derived.
	ErrInvalidOrigin = errors.New("chatual: invalid origin")

	// ErrNotConnected is returned by deliveries attempted without a live socket.
	ErrNotConnected = errors.New("chatual: not connected")

	// ErrUnknownEvent marks an inbound frame whose type is not recognised.
	ErrUnknownEvent = errors.New("chatual: unknown event type")

	// ErrClosed is returned by Wait once the manager has been torn down.
	ErrClosed = errors.New("chatual: manager closed")
)
