package store

import (
	"context"
	"database/sql"

	"github.com/hrygo/divinesense-router/internal/profile"
)

// Driver is the interface every database backend implements.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	// Migrate creates missing tables. It is idempotent.
	Migrate(ctx context.Context) error

	CreateFeedbackRecord(ctx context.Context, create *FeedbackRecord) (*FeedbackRecord, error)
	ListFeedbackRecords(ctx context.Context, find *FindFeedbackRecord) ([]*FeedbackRecord, error)
	GetFeedbackStats(ctx context.Context, get *GetFeedbackStats) (*FeedbackStats, error)
}

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) CreateFeedbackRecord(ctx context.Context, create *FeedbackRecord) (*FeedbackRecord, error) {
	return s.driver.CreateFeedbackRecord(ctx, create)
}

func (s *Store) ListFeedbackRecords(ctx context.Context, find *FindFeedbackRecord) ([]*FeedbackRecord, error) {
	return s.driver.ListFeedbackRecords(ctx, find)
}

func (s *Store) GetFeedbackStats(ctx context.Context, get *GetFeedbackStats) (*FeedbackStats, error) {
	return s.driver.GetFeedbackStats(ctx, get)
}
