// Package pubsub carries change notifications from the store of record to
// whoever is watching a user's quota and session rows.
package pubsub

import "context"

// Listener represents a pubsub handler.
type Listener func(ctx context.Context, message []byte)

// Pubsub is a generic interface for broadcasting and receiving messages.
type Pubsub interface {
	Subscribe(event string, listener Listener) (cancel func(), err error)
	Publish(event string, message []byte) error
	Close() error
}

// UserChannel is the event name covering both the session and the quota rows
// of one user.
func UserChannel(userID string) string {
	return "simquota_user:" + userID
}
