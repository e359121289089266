package waitless

import "errors"

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("waitless: session not found")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("waitless: session closed")
	// ErrActionAborted wraps a stability timeout that stopped an action
	// under the abort policy.
	ErrActionAborted = errors.New("waitless: action aborted")
	// ErrNoDatabase is returned by Reports and the profile operations when
	// no database is configured.
	ErrNoDatabase = errors.New("waitless: no database configured")
	// ErrInvalidRequest marks caller errors (bad action, bad config).
	ErrInvalidRequest = errors.New("waitless: invalid request")
)
