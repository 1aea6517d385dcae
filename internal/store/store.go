package store

import (
	"context"
	"errors"

	"github.com/pliu/petbuddy/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)

	// Envelope operations. Envelopes come back in insertion order.
	AppendEnvelope(ctx context.Context, env models.StoredEnvelope) (models.StoredEnvelope, error)
	FetchEnvelopes(ctx context.Context, ticketID string) ([]models.StoredEnvelope, error)

	// Trip operations
	GetTrip(ctx context.Context, bookingID string) (*models.Trip, error)
	PutTrip(ctx context.Context, trip *models.Trip) error

	Close() error
}
