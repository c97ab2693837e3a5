// Package dispatch defines the Dispatch bounded context.
// A Dispatch is an aggregate root representing one unit of outreach work:
// a payload handed from the dashboard page to a target page, delivered
// exactly once after the target becomes ready, acted on by a human, and
// confirmed back.
package dispatch

import (
	"time"

	"github.com/whatisup223/outreachbridge/pkg/domain"
)

// ---------------------------------------------------------------------------
// Value objects
// ---------------------------------------------------------------------------

// DeliveryRequest is the unit of work handed off by the origin bridge.
// A non-empty Title marks a post-type delivery; an empty one a comment.
type DeliveryRequest struct {
	Text      string `json:"text"`
	Title     string `json:"title,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	TargetURL string `json:"target_url"`
	ItemID    string `json:"item_id"`
	UserID    string `json:"user_id"`
	IsPost    bool   `json:"is_post"`
}

// Kind returns the delivery classification derived from the title.
func (r DeliveryRequest) Kind() domain.DeliveryKind {
	if r.Title != "" {
		return domain.KindPost
	}
	return domain.KindComment
}

// Normalize fills the derived IsPost field from the title.
func (r *DeliveryRequest) Normalize() {
	r.IsPost = r.Title != ""
}

// Validate checks the request's required fields.
func (r DeliveryRequest) Validate() error {
	if r.Text == "" {
		return ErrEmptyText
	}
	if r.TargetURL == "" {
		return ErrEmptyTargetURL
	}
	return nil
}

// PendingDraft is the persisted, recoverable form of a delivery plus its
// classification. It is written by the target agent when the surface first
// renders, never by the broker.
type PendingDraft struct {
	Request DeliveryRequest     `json:"request"`
	Kind    domain.DeliveryKind `json:"kind"`
	SavedAt time.Time           `json:"saved_at"`
}

// NewPendingDraft snapshots a live delivery for recovery across reloads.
func NewPendingDraft(req DeliveryRequest) PendingDraft {
	return PendingDraft{
		Request: req,
		Kind:    req.Kind(),
		SavedAt: time.Now().UTC(),
	}
}

// ConfirmationEvent is emitted by the target agent when the human confirms
// the action occurred. Permalink is the observed URL of the target page at
// confirmation time, which is authoritative over the requested TargetURL.
type ConfirmationEvent struct {
	ItemID    string              `json:"item_id"`
	UserID    string              `json:"user_id"`
	ItemType  domain.DeliveryKind `json:"item_type"`
	Permalink string              `json:"permalink"`
}

// StatsSample is a point-in-time engagement reading from the target
// platform's public read API. Never persisted locally.
type StatsSample struct {
	Upvotes    int `json:"upvotes"`
	ReplyCount int `json:"reply_count"`
}

// ---------------------------------------------------------------------------
// Dispatch aggregate root
// ---------------------------------------------------------------------------

// Dispatch tracks one delivery through the broker's state machine:
// idle → tab_opening → tab_loading → payload_sent → confirmed,
// with failed reachable from any non-terminal state.
type Dispatch struct {
	domain.AggregateRoot

	Request   DeliveryRequest      `json:"request"`
	TargetKey string               `json:"target_key"`
	State     domain.DispatchState `json:"state"`
	TabID     string               `json:"tab_id,omitempty"`
	Error     string               `json:"error,omitempty"`

	CreatedAt   domain.Timestamp `json:"created_at"`
	UpdatedAt   domain.Timestamp `json:"updated_at"`
	ConfirmedAt domain.Timestamp `json:"confirmed_at,omitzero"`
	Permalink   string           `json:"permalink,omitempty"`
}

// New creates a Dispatch aggregate in the idle state.
func New(req DeliveryRequest) (*Dispatch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Normalize()
	d := &Dispatch{
		Request:   req,
		TargetKey: req.TargetURL,
		State:     domain.DispatchIdle,
		CreatedAt: domain.Now(),
		UpdatedAt: domain.Now(),
	}
	d.SetID(domain.NewID())
	d.RecordEvent(domain.NewEvent(domain.EventDispatchRequested, d.ID(), map[string]string{
		"item_id": req.ItemID,
		"target":  req.TargetURL,
		"kind":    req.Kind().String(),
	}))
	return d, nil
}

// transition enforces the legal state graph.
func (d *Dispatch) transition(to domain.DispatchState) error {
	legal := map[domain.DispatchState][]domain.DispatchState{
		domain.DispatchIdle:        {domain.DispatchTabOpening, domain.DispatchFailed},
		domain.DispatchTabOpening:  {domain.DispatchTabLoading, domain.DispatchFailed},
		domain.DispatchTabLoading:  {domain.DispatchPayloadSent, domain.DispatchFailed},
		domain.DispatchPayloadSent: {domain.DispatchConfirmed, domain.DispatchFailed},
	}
	for _, next := range legal[d.State] {
		if next == to {
			d.State = to
			d.UpdatedAt = domain.Now()
			return nil
		}
	}
	return ErrIllegalTransition
}

// MarkTabOpening records that the broker is opening the target context.
func (d *Dispatch) MarkTabOpening() error {
	return d.transition(domain.DispatchTabOpening)
}

// MarkTabLoading records that the target context exists and is loading.
func (d *Dispatch) MarkTabLoading(tabID string) error {
	if err := d.transition(domain.DispatchTabLoading); err != nil {
		return err
	}
	d.TabID = tabID
	d.RecordEvent(domain.NewEvent(domain.EventTabOpened, d.ID(), map[string]string{
		"tab_id": tabID,
		"target": d.Request.TargetURL,
	}))
	return nil
}

// MarkPayloadSent records that the payload was delivered into the target.
func (d *Dispatch) MarkPayloadSent() error {
	if err := d.transition(domain.DispatchPayloadSent); err != nil {
		return err
	}
	d.RecordEvent(domain.NewEvent(domain.EventPayloadDelivered, d.ID(), map[string]string{
		"tab_id":  d.TabID,
		"item_id": d.Request.ItemID,
	}))
	return nil
}

// MarkConfirmed records the human's confirmation with the observed permalink.
func (d *Dispatch) MarkConfirmed(permalink string) error {
	if err := d.transition(domain.DispatchConfirmed); err != nil {
		return err
	}
	d.Permalink = permalink
	d.ConfirmedAt = domain.Now()
	d.RecordEvent(domain.NewEvent(domain.EventOutreachConfirmed, d.ID(), map[string]string{
		"item_id":   d.Request.ItemID,
		"permalink": permalink,
	}))
	return nil
}

// MarkFailed records a terminal failure with its reason.
func (d *Dispatch) MarkFailed(reason string) error {
	if d.State.Terminal() {
		return ErrIllegalTransition
	}
	d.State = domain.DispatchFailed
	d.Error = reason
	d.UpdatedAt = domain.Now()
	d.RecordEvent(domain.NewEvent(domain.EventDeliveryFailed, d.ID(), map[string]string{
		"item_id": d.Request.ItemID,
		"reason":  reason,
	}))
	return nil
}

// ---------------------------------------------------------------------------
// Repository interface — persistence port
// ---------------------------------------------------------------------------

// Repository defines persistence operations for Dispatch aggregates.
type Repository interface {
	FindByID(id domain.EntityID) (*Dispatch, error)
	FindByItem(itemID string) (*Dispatch, error)
	FindConfirmedSince(cutoff time.Time) ([]*Dispatch, error)
	FindAll() ([]*Dispatch, error)
	Save(d *Dispatch) error
	Delete(id domain.EntityID) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// Error is a typed error for the dispatch domain.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrEmptyText         Error = "delivery text cannot be empty"
	ErrEmptyTargetURL    Error = "delivery target URL cannot be empty"
	ErrIllegalTransition Error = "illegal dispatch state transition"
	ErrNotFound          Error = "dispatch not found"
	ErrInFlight          Error = "a dispatch is already in flight for this target"
)
