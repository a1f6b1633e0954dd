package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidUserID indicates an empty user identifier.
var ErrInvalidUserID = errors.New("users: invalid user id")

// Profile holds the durable presence bookkeeping for one user: the online
// flag and last-seen instant shown next to conversations. Identity issuance
// and the full dating profile live elsewhere.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	IsOnline    bool      `gorm:"column:is_online;not null;default:false"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user presence profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// ServiceConfig describes the dependencies for presence bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service persists online/last-seen state across the realtime connection
// lifecycle.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the presence bookkeeping service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// SetOnline records the user's online transition and refreshes last-seen.
// The row is created on first contact.
func (s *Service) SetOnline(ctx context.Context, userID string, online bool) error {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return ErrInvalidUserID
	}

	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&Profile{}).
		Where("user_id = ?", trimmed).
		Updates(map[string]interface{}{
			"is_online":    online,
			"last_seen_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	profile := Profile{
		UserID:     trimmed,
		IsOnline:   online,
		LastSeenAt: now,
	}
	err := s.db.WithContext(ctx).Create(&profile).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a create race to another connection handler; the update path
		// above will win next time.
		return nil
	}
	return err
}

// Presence returns the stored presence snapshot for a user, zero-valued when
// the user has never connected.
func (s *Service) Presence(ctx context.Context, userID string) (Profile, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return Profile{}, ErrInvalidUserID
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", trimmed).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: trimmed}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}
