package domain

// ---------------------------------------------------------------------------
// Shared value objects — used across bounded contexts
// ---------------------------------------------------------------------------

// DeliveryKind classifies what the human is being asked to publish.
type DeliveryKind string

const (
	// KindPost is a top-level post: the request carries a title.
	KindPost DeliveryKind = "post"
	// KindComment is a reply on an existing thread: no title.
	KindComment DeliveryKind = "comment"
)

// String implements fmt.Stringer.
func (k DeliveryKind) String() string { return string(k) }

// Valid returns true if the kind is recognized.
func (k DeliveryKind) Valid() bool { return k == KindPost || k == KindComment }

// ---------------------------------------------------------------------------

// DispatchState is the broker-side state of a single dispatch.
type DispatchState string

const (
	DispatchIdle        DispatchState = "idle"
	DispatchTabOpening  DispatchState = "tab_opening"
	DispatchTabLoading  DispatchState = "tab_loading"
	DispatchPayloadSent DispatchState = "payload_sent"
	DispatchConfirmed   DispatchState = "confirmed"
	DispatchFailed      DispatchState = "failed"
)

func (s DispatchState) String() string { return string(s) }

// Terminal returns true if no further transitions are possible.
func (s DispatchState) Terminal() bool {
	return s == DispatchConfirmed || s == DispatchFailed
}

// ---------------------------------------------------------------------------

// SurfaceState is the agent-side state of the confirmation surface.
type SurfaceState string

const (
	SurfaceNoDraft     SurfaceState = "no_draft"
	SurfaceDraftShown  SurfaceState = "draft_shown"
	SurfaceActionTaken SurfaceState = "action_taken"
	SurfaceConfirmed   SurfaceState = "confirmed"
	SurfaceDismissed   SurfaceState = "dismissed"
)

func (s SurfaceState) String() string { return string(s) }

// ---------------------------------------------------------------------------

// ActionKind names the human action that unlocks confirmation.
type ActionKind string

const (
	ActionCopyText      ActionKind = "copy_text"
	ActionCopyTitle     ActionKind = "copy_title"
	ActionDownloadImage ActionKind = "download_image"
)
