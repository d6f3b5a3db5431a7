// Package backend describes the hosted backend as the three capability sets the
// chat client consumes: authentication, row storage and realtime fan-out.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrNotConfigured is returned when no backend connection exists at all.
var ErrNotConfigured = errors.New("backend is not configured")

// StatusError is the error shape every backend capability surfaces.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// NewStatusError builds a StatusError, defaulting the message to the HTTP status text.
func NewStatusError(status int, message string) *StatusError {
	if message == "" {
		message = http.StatusText(status)
	}
	return &StatusError{Status: status, Message: message}
}

// StatusOf extracts the status carried by err, or 0 when it carries none.
func StatusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

// Datastore is the row-oriented storage of the backend.
type Datastore interface {
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, message *models.Message) error
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id string) error

	FindRoomByName(ctx context.Context, name string) (*models.Room, error)
	CreateRoom(ctx context.Context, name string) (models.Room, error)
	GetOrCreateDirectRoom(ctx context.Context, userID, peerID string) (string, error)

	ListProfiles(ctx context.Context) ([]models.Profile, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error

	UpsertReads(ctx context.Context, reads []models.MessageRead) error
	ListReads(ctx context.Context, messageIDs []string) ([]models.MessageRead, error)
	MarkRoomMessagesRead(ctx context.Context, roomID, userID string) error
}
