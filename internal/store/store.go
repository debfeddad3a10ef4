// Package store defines the message persistence contract and its MySQL
// implementation. The session endpoint only sees the contract; anything
// that can stage messages and confirm commits can stand behind it.
package store

import (
	"context"
	"errors"

	"github.com/mldperalta/mldperalta-DatingApp/internal/model"
)

// Filter selects which of a user's messages a page covers.
type Filter string

const (
	FilterAll    Filter = "all"    // received, not deleted by the recipient
	FilterUnread Filter = "unread" // received and not yet read
	FilterSent   Filter = "sent"   // sent, not deleted by the sender
)

// ParseFilter maps a query-string value onto a Filter, defaulting to
// FilterAll for empty or unknown values.
func ParseFilter(s string) Filter {
	switch Filter(s) {
	case FilterUnread:
		return FilterUnread
	case FilterSent:
		return FilterSent
	default:
		return FilterAll
	}
}

// Params describes one page request.
type Params struct {
	PageNumber int
	PageSize   int
	Username   string
	Filter     Filter
}

var (
	// ErrNotFound is returned when a message or user does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotParticipant is returned when a delete is requested by
	// someone who is neither sender nor recipient of the message.
	ErrNotParticipant = errors.New("store: requester is not a participant")
)

// MessageStore is the persistence collaborator for messages. Append only
// stages; nothing is durable, and nothing may be broadcast, until
// CommitBatch reports success.
type MessageStore interface {
	// Append stages a message for the next commit and fails if the
	// message is not storable.
	Append(ctx context.Context, msg *model.Message) error
	// CommitBatch persists everything staged since the last commit in
	// one transaction. A false result means nothing was persisted.
	CommitBatch(ctx context.Context) (bool, error)
	// GetByID fetches one message, ErrNotFound when absent.
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	// GetPaged returns the requester's messages newest first with
	// total-count metadata.
	GetPaged(ctx context.Context, params Params) (*model.Page, error)
	// GetThread returns the full conversation between two users in
	// ascending sent order, excluding messages the requesting side
	// deleted, and marks the requester's unread incoming messages read.
	GetThread(ctx context.Context, currentUsername, otherUsername string) ([]model.MessageView, error)
	// Delete flags the message as deleted for the requesting side and
	// removes it outright once both sides have deleted it.
	Delete(ctx context.Context, id int64, requester string) error
}
