package network

import (
	"context"

	"musical-multiverse/network/logging"
)

const (
	// EventEntityPublished is emitted when a local entity's state is written to the shared map.
	EventEntityPublished logging.EventType = "network.entity_published"
	// EventRemoteApplied is emitted when a peer's update overwrites a mirrored entity.
	EventRemoteApplied logging.EventType = "network.remote_applied"
	// EventAddSuppressed is emitted when an add arrives for an id the replica already holds.
	EventAddSuppressed logging.EventType = "network.add_suppressed"
	// EventSelfSuppressed is emitted when a player add for the local participant is ignored.
	EventSelfSuppressed logging.EventType = "network.self_suppressed"
	// EventApplyAbsent is emitted when an update targets an entity that was never materialized.
	EventApplyAbsent logging.EventType = "network.apply_absent"
	// EventMalformedState is emitted when a remote state fails to decode or validate.
	EventMalformedState logging.EventType = "network.malformed_state"
	// EventDeleteIgnored is emitted when a remote delete is observed and left inert.
	EventDeleteIgnored logging.EventType = "network.delete_ignored"
	// EventListenerPanic is emitted when a listener panics while handling a key.
	EventListenerPanic logging.EventType = "network.listener_panic"
	// EventTransportDrop is emitted when an outbound update could not be delivered.
	EventTransportDrop logging.EventType = "network.transport_drop"
	// EventResync is emitted when owned entities are invalidated for a full republish.
	EventResync logging.EventType = "network.resync"
	// EventTickOverrun is emitted when a tick took longer than its budget.
	EventTickOverrun logging.EventType = "network.tick_overrun"
	// EventPeerJoined and EventPeerLeft trace relay room membership.
	EventPeerJoined logging.EventType = "network.peer_joined"
	EventPeerLeft   logging.EventType = "network.peer_left"
)

// EntityPayload describes the map entry an event concerns.
type EntityPayload struct {
	Map    string `json:"map"`
	Key    string `json:"key"`
	Reason string `json:"reason,omitempty"`
	Bytes  int    `json:"bytes,omitempty"`
}

// TransportPayload describes a transport level failure or recovery.
type TransportPayload struct {
	Entries int    `json:"entries"`
	Reason  string `json:"reason,omitempty"`
}

// ResyncPayload records how many owned entities were invalidated.
type ResyncPayload struct {
	Entities int    `json:"entities"`
	Reason   string `json:"reason,omitempty"`
}

// TickPayload captures tick budget overruns.
type TickPayload struct {
	DurationMillis int64 `json:"durationMillis"`
	BudgetMillis   int64 `json:"budgetMillis"`
}

// PeerPayload captures relay membership changes.
type PeerPayload struct {
	Participant string `json:"participant"`
	Subscribers int    `json:"subscribers"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, category string, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: category,
		Payload:  payload,
		Extra:    extra,
	})
}

// EntityPublished publishes a debug event for each outbound state write.
func EntityPublished(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventEntityPublished, logging.SeverityDebug, logging.CategorySync, tick, actor, payload, extra)
}

// RemoteApplied publishes a debug event for each applied remote update.
func RemoteApplied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventRemoteApplied, logging.SeverityDebug, logging.CategorySync, tick, actor, payload, extra)
}

// AddSuppressed publishes a debug event when a duplicate add is skipped.
func AddSuppressed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventAddSuppressed, logging.SeverityDebug, logging.CategorySync, tick, actor, payload, extra)
}

// SelfSuppressed publishes a debug event when the local participant's own player add is skipped.
func SelfSuppressed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventSelfSuppressed, logging.SeverityDebug, logging.CategorySync, tick, actor, payload, extra)
}

// ApplyAbsent publishes a warning when an update names an unknown entity.
func ApplyAbsent(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventApplyAbsent, logging.SeverityWarn, logging.CategorySync, tick, actor, payload, extra)
}

// MalformedState publishes a warning when a remote value cannot be used.
func MalformedState(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventMalformedState, logging.SeverityWarn, logging.CategorySync, tick, actor, payload, extra)
}

// DeleteIgnored publishes an info event when a remote delete is observed.
func DeleteIgnored(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventDeleteIgnored, logging.SeverityInfo, logging.CategorySync, tick, actor, payload, extra)
}

// ListenerPanic publishes an error when a listener panicked for a key.
func ListenerPanic(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityPayload, extra map[string]any) {
	publish(ctx, pub, EventListenerPanic, logging.SeverityError, logging.CategorySync, tick, actor, payload, extra)
}

// TransportDrop publishes a warning when an outbound batch was not accepted.
func TransportDrop(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TransportPayload, extra map[string]any) {
	publish(ctx, pub, EventTransportDrop, logging.SeverityWarn, logging.CategoryTransport, tick, actor, payload, extra)
}

// Resync publishes an info event when owned entities are scheduled for republish.
func Resync(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResync, logging.SeverityInfo, logging.CategoryTransport, tick, actor, payload, extra)
}

// TickOverrun publishes a warning when a tick exceeded its budget.
func TickOverrun(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload TickPayload, extra map[string]any) {
	publish(ctx, pub, EventTickOverrun, logging.SeverityWarn, logging.CategorySystem, tick, actor, payload, extra)
}

// PeerJoined publishes an info event when a participant subscribes to a room.
func PeerJoined(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	publish(ctx, pub, EventPeerJoined, logging.SeverityInfo, logging.CategoryRelay, 0, actor, payload, extra)
}

// PeerLeft publishes an info event when a participant leaves a room.
func PeerLeft(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	publish(ctx, pub, EventPeerLeft, logging.SeverityInfo, logging.CategoryRelay, 0, actor, payload, extra)
}
