package db

import (
	"context"

	"github.com/ukydev/control-room/internal/models"
)

// PositionCollection defines the interface for position data operations.
type PositionCollection interface {
	// InsertPosition stores rec and fills its ID and CreatedAt.
	InsertPosition(ctx context.Context, rec *models.PositionRecord) error
	// InsertPositions stores recs in one round trip and fills their IDs and
	// CreatedAt.
	InsertPositions(ctx context.Context, recs []models.PositionRecord) error
	FindPositions(ctx context.Context, tenantID string, limit int64) ([]models.PositionRecord, error)
	FindLatestPositions(ctx context.Context, tenantID string) ([]models.PositionRecord, error)
	CountPositions(ctx context.Context) (int64, error)
}

// ChangeFeed defines the interface for streaming position changes.
type ChangeFeed interface {
	Watch(ctx context.Context, fn func(models.ChangeEvent)) error
}
