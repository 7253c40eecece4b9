package signal

import (
	"errors"
	"fmt"
)

// TransportError marks a failure to reach the realtime store. Operations that
// return it are safe to retry; the channel layer retries subscriptions with
// exponential backoff on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
