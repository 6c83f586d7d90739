// Package reminder schedules one-shot notifications and delivers each of them at
// most once.
//
// Short delays live in an in-process TimerTable (ephemeral tier, lost on restart);
// longer delays are persisted in a Store and picked up by a periodic sweep
// (durable tier). Service routes between the two and owns cancellation.
package reminder

import (
	"context"
	"time"
)

// DefaultEphemeralThreshold is the delay below which reminders stay in memory.
// A delay of exactly the threshold is durable.
const DefaultEphemeralThreshold = 60 * time.Second

type Tier int

const (
	TierEphemeral Tier = iota
	TierDurable
)

func (t Tier) String() string {
	if t == TierEphemeral {
		return "ephemeral"
	}
	return "durable"
}

// TierFor picks the tier for a delay.
func TierFor(delay, threshold time.Duration) Tier {
	if delay < threshold {
		return TierEphemeral
	}
	return TierDurable
}

type DestinationKind string

const (
	DestDirect  DestinationKind = "direct"
	DestChannel DestinationKind = "channel"
)

// Destination is where a reminder is delivered: the owner's private chat, or the
// channel (optionally a forum thread) it was created in.
type Destination struct {
	Kind      DestinationKind `json:"kind"`
	ChannelID int64           `json:"channel_id,omitempty"`
	ThreadID  int             `json:"thread_id,omitempty"`
}

func Direct() Destination { return Destination{Kind: DestDirect} }

func Channel(chatID int64, threadID int) Destination {
	return Destination{Kind: DestChannel, ChannelID: chatID, ThreadID: threadID}
}

func (d Destination) IsDirect() bool { return d.Kind != DestChannel }

// Reminder is immutable once created.
type Reminder struct {
	ID          string      `json:"id"`
	OwnerID     int64       `json:"owner_id"`
	OwnerName   string      `json:"owner_name,omitempty"`
	Destination Destination `json:"destination"`
	Text        string      `json:"text"`
	Origin      string      `json:"origin,omitempty"`
	DueAt       time.Time   `json:"due_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Tier reports the tier the reminder was routed to at creation.
func (r Reminder) Tier(threshold time.Duration) Tier {
	return TierFor(r.DueAt.Sub(r.CreatedAt), threshold)
}

// Request is what the command surface hands to Service.Schedule.
type Request struct {
	DurationText string
	Text         string
	OwnerID      int64
	OwnerName    string
	// ChatID/ThreadID identify where the request was made. Ignored when Private.
	ChatID   int64
	ThreadID int
	Private  bool
	Origin   string
}

type CancelResult int

const (
	Cancelled CancelResult = iota + 1
	NotFound
	NotOwner
)

func (c CancelResult) String() string {
	switch c {
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	case NotOwner:
		return "not_owner"
	default:
		return "unknown"
	}
}

// Store persists durable reminders.
//
// Implementations must make DeleteIfOwner atomic with respect to Delete, and return
// FindDue results in ascending DueAt order with insertion order breaking ties.
//
// An ID removed by Delete or DeleteIfOwner, or taken by Reserve, stays spent:
// Insert and Reserve report ErrDuplicateID for it from then on, across restarts.
type Store interface {
	Insert(ctx context.Context, r Reminder) error
	// Reserve marks id as spent without storing a record. Ephemeral reminders
	// reserve their IDs here so neither tier can hand the same ID out twice.
	Reserve(ctx context.Context, id string) error
	FindDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	FindByOwner(ctx context.Context, ownerID int64) ([]Reminder, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteIfOwner(ctx context.Context, id string, ownerID int64) (CancelResult, error)
	Get(ctx context.Context, id string) (Reminder, bool, error)
	Close() error
}
