// Package transport defines how a session's replica exchanges updates with
// the rest of its room. Implementations are fire-and-forget: Send never
// blocks the synchronization loop, and a refused update is the caller's cue
// to republish rather than a reason to queue.
package transport

import (
	"context"
	"errors"

	"musical-multiverse/network/internal/replica"
)

const (
	MetricSent      = "transport_sent_total"
	MetricDropped   = "transport_dropped_total"
	MetricReceived  = "transport_received_total"
	MetricReconnect = "transport_reconnect_total"
)

var (
	// ErrClosed is returned once a transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned by operations that need an active room.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Deliver receives updates produced by other participants, including the
// late-join snapshot. It may be called from a transport goroutine.
type Deliver func(replica.Update)

// Transport carries replica updates for one participant in one room.
type Transport interface {
	// Connect joins room as participant and starts delivering remote
	// updates. It returns once the initial room state has been delivered.
	Connect(ctx context.Context, room, participant string, deliver Deliver) error
	// Send hands update to the transport without blocking. A false return
	// means the update was dropped.
	Send(update replica.Update) bool
	Close() error
}

// Reconnecter is implemented by transports that may lose and re-establish
// their link. fn runs after every successful reconnect.
type Reconnecter interface {
	OnReconnect(fn func())
}
