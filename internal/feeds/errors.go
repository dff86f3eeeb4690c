package feeds

import (
	"fmt"
	"strings"
)

// InvalidFeedKindError rejects a subscribe call for an unsupported kind.
type InvalidFeedKindError struct {
	Kind string
}

func (e *InvalidFeedKindError) Error() string {
	return fmt.Sprintf("invalid feed kind %q: must be one of %s", e.Kind, strings.Join(KindNames(), ", "))
}

// ConnectionError reports that a feed source could not be started or failed
// its handshake. The subscription is still recorded and reconnects on a
// later poll.
type ConnectionError struct {
	Feed string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect feed %q: %v", e.Feed, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CallbackError wraps a failure or panic of a subscriber's callback. It is
// logged and never propagated.
type CallbackError struct {
	Feed       string
	UpdateType UpdateType
	Err        error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("feed %q callback for %s update: %v", e.Feed, e.UpdateType, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }
