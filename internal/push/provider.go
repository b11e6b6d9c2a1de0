// Package push delivers alert notifications to registered mobile clients
// through APNS, FCM and Expo. Clients with a live transport are skipped;
// they learn about alerts through state replication.
package push

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned by providers when the target signalled that
// the token is no longer registered. The dispatcher purges such tokens.
var ErrInvalidToken = errors.New("push: token not registered")

// Notification is the normalized payload handed to every provider.
type Notification struct {
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Sound    string                 `json:"sound,omitempty"`
	Badge    *int                   `json:"badge,omitempty"`
	Priority string                 `json:"priority,omitempty"`
}

// Provider sends one notification to one device token.
type Provider interface {
	Name() string
	Send(ctx context.Context, rec TokenRecord, n Notification) error
}
