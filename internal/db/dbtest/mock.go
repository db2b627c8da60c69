// Package dbtest provides testify mocks of the db interfaces.
package dbtest

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/control-room/internal/models"
)

// MockPositionCollection is a mock implementation of db.PositionCollection.
// Successful inserts assign fresh ObjectIDs like the driver does.
type MockPositionCollection struct {
	mock.Mock
}

func (m *MockPositionCollection) InsertPosition(ctx context.Context, rec *models.PositionRecord) error {
	args := m.Called(ctx, *rec)
	err := args.Error(0)
	if err == nil {
		rec.ID = primitive.NewObjectID()
	}
	return err
}

func (m *MockPositionCollection) InsertPositions(ctx context.Context, recs []models.PositionRecord) error {
	args := m.Called(ctx, recs)
	err := args.Error(0)
	if err == nil {
		for i := range recs {
			recs[i].ID = primitive.NewObjectID()
		}
	}
	return err
}

func (m *MockPositionCollection) FindPositions(ctx context.Context, tenantID string, limit int64) ([]models.PositionRecord, error) {
	args := m.Called(ctx, tenantID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PositionRecord), args.Error(1)
}

func (m *MockPositionCollection) FindLatestPositions(ctx context.Context, tenantID string) ([]models.PositionRecord, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PositionRecord), args.Error(1)
}

func (m *MockPositionCollection) CountPositions(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
