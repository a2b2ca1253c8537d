package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pour-service-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	LogEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	SaveSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	FindSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	ListSubscriptions(ctx context.Context, userToken string) ([]model.PushSubscription, error)
	Ping(ctx context.Context) error
}

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// LogEvent appends one event. The insert is committed before it returns.
func (s *gormStore) LogEvent(ctx context.Context, event *model.Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert %s event for %q: %w", event.Status, event.UserToken, err)
	}
	return nil
}

// ListEvents returns up to limit events, newest first.
func (s *gormStore) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	events := make([]model.Event, 0)
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// Leaderboard ranks user tokens by the total volume of their started pours.
func (s *gormStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	entries := make([]LeaderboardEntry, 0)
	err := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Select("user_token, COUNT(*) AS pour_count, COALESCE(SUM(amount_ml), 0) AS total_ml, MAX(timestamp) AS last_pour").
		Where("status = ?", model.EventStarted).
		Group("user_token").
		Order("total_ml DESC").
		Order("pour_count DESC").
		Order("user_token").
		Limit(clampLimit(limit)).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate leaderboard: %w", err)
	}
	return entries, nil
}

// SaveSubscription inserts sub or, for a known endpoint, rebinds it to the new keys and user.
func (s *gormStore) SaveSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "user_token"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes the subscription for endpoint. Unknown endpoints are not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (s *gormStore) FindSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns every subscription bound to userToken.
func (s *gormStore) ListSubscriptions(ctx context.Context, userToken string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_token = ?", userToken).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for %q: %w", userToken, err)
	}
	return subs, nil
}

// Ping checks that the underlying connection is usable.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
