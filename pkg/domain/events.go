package domain

import "time"

// ---------------------------------------------------------------------------
// Domain event system
// ---------------------------------------------------------------------------

// EventType classifies domain events for routing and filtering.
type EventType string

// Bounded context prefixes ensure global uniqueness of event names.
const (
	// Dispatch context events
	EventDispatchRequested EventType = "dispatch.requested"
	EventDispatchRejected  EventType = "dispatch.rejected"
	EventTabOpened         EventType = "dispatch.tab_opened"
	EventTabLoaded         EventType = "dispatch.tab_loaded"
	EventPayloadDelivered  EventType = "dispatch.payload_delivered"
	EventDeliveryFailed    EventType = "dispatch.delivery_failed"

	// Draft context events
	EventDraftSaved   EventType = "draft.saved"
	EventDraftCleared EventType = "draft.cleared"

	// Surface context events
	EventSurfaceShown      EventType = "surface.shown"
	EventActionTaken       EventType = "surface.action_taken"
	EventOutreachConfirmed EventType = "surface.confirmed"
	EventOutreachDismissed EventType = "surface.dismissed"

	// Presence and telemetry events
	EventPresenceQueried EventType = "presence.queried"
	EventInstallVerified EventType = "presence.install_verified"
	EventStatsFetched    EventType = "telemetry.stats_fetched"
	EventTelemetryFailed EventType = "telemetry.failed"
)

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Aggregate EntityID    `json:"aggregate_id"`
	Occurred  time.Time   `json:"occurred_at"`
	EventData interface{} `json:"data,omitempty"`
}

// NewEvent creates a timestamped domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Aggregate: aggregateID,
		Occurred:  time.Now().UTC(),
		EventData: data,
	}
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Occurred }
func (e BaseEvent) AggregateID() EntityID { return e.Aggregate }
func (e BaseEvent) Payload() interface{}  { return e.EventData }

// EventHandler processes a dispatched domain event.
type EventHandler func(Event)

// EventBus is the port through which domain events reach interested parties.
type EventBus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler EventHandler)
	SubscribeAll(handler EventHandler)
	Close()
}
