//go:generate go run go.uber.org/mock/mockgen -source=push.go -destination=mocks/mock_pusher.go -package=mocks
package push

import (
	"context"
	"errors"
)

// ErrGone is wrapped by Send when the target connection is permanently unreachable.
var ErrGone = errors.New("recipient gone")

// Pusher delivers a payload to a single addressable connection.
type Pusher interface {
	// Send pushes data to connectionID. It returns nil on success, an error
	// wrapping ErrGone when the recipient no longer exists, or any other error
	// for transient failures.
	Send(ctx context.Context, connectionID string, data []byte) error
}
