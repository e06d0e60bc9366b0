package store

import (
	"context"
	"database/sql"
	"time"

	"roomchat/internal/domain"
)

// UpsertUser creates the user or refreshes its profile fields. Blocked state
// and preferences are left untouched on update.
func (s *SQLStore) UpsertUser(ctx context.Context, user domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.Preferences.Theme == "" {
		user.Preferences.Theme = "system"
	}
	_, err := s.exec(ctx,
		`INSERT INTO users (id, display_name, avatar_url, is_bot, theme, notifications, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			is_bot = excluded.is_bot,
			updated_at = excluded.updated_at`,
		user.ID, user.DisplayName, user.AvatarURL, user.IsBot,
		user.Preferences.Theme, user.Preferences.Notifications, user.CreatedAt, now,
	)
	return err
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	var blockedAt sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, display_name, avatar_url, is_bot, blocked, blocked_at, theme, notifications, created_at, updated_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.IsBot, &u.Blocked, &blockedAt,
		&u.Preferences.Theme, &u.Preferences.Notifications, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if blockedAt.Valid {
		t := blockedAt.Time
		u.BlockedAt = &t
	}
	return &u, nil
}

// SetBlocked flips the blocked flag. at is recorded when blocking and
// cleared when unblocking.
func (s *SQLStore) SetBlocked(ctx context.Context, id string, blocked bool, at time.Time) error {
	var blockedAt any
	if blocked {
		blockedAt = at.UTC()
	}
	res, err := s.exec(ctx,
		`UPDATE users SET blocked = ?, blocked_at = ?, updated_at = ? WHERE id = ?`,
		blocked, blockedAt, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res, "user", id)
}

func (s *SQLStore) SetPreferences(ctx context.Context, id string, prefs domain.Preferences) error {
	res, err := s.exec(ctx,
		`UPDATE users SET theme = ?, notifications = ?, updated_at = ? WHERE id = ?`,
		prefs.Theme, prefs.Notifications, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res, "user", id)
}
