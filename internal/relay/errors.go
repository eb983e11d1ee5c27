package relay

import "errors"

var (
	// ErrTooManyClients is returned by AddClient when the registry is at the
	// configured MaxClients capacity.
	ErrTooManyClients = errors.New("too many clients")
	// ErrDuplicateClientID is returned when a client id is already registered.
	// With uuid v4 ids this indicates a caller bug rather than a collision.
	ErrDuplicateClientID = errors.New("client id already registered")
)
