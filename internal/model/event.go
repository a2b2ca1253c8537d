package model

import "time"

// EventStatus is the outcome recorded for a pour attempt.
type EventStatus string

const (
	EventStarted EventStatus = "started"
	EventFailed  EventStatus = "failed"
)

// Event is one row of the append-only pour audit log.
type Event struct {
	ID        int64       `gorm:"primaryKey;autoIncrement" json:"-"`
	Timestamp time.Time   `gorm:"not null;index" json:"timestamp"`
	UserToken string      `gorm:"size:128;not null;index" json:"user_token"`
	AmountML  int         `gorm:"not null" json:"amount_ml"`
	Status    EventStatus `gorm:"size:16;not null;index" json:"status"`
	Reason    *string     `json:"reason"`
}

// TableName keeps the table name stable regardless of naming strategy.
func (Event) TableName() string {
	return "events"
}

// ReasonText returns the failure reason, or "" for successful pours.
func (e Event) ReasonText() string {
	if e.Reason == nil {
		return ""
	}
	return *e.Reason
}
