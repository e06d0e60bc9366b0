package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roomchat/internal/domain"
)

const roomColumns = `r.id, r.title, r.bot_id, r.created_by, r.last_message, r.last_sender_id,
	r.last_message_at, r.created_at, r.updated_at`

func (s *SQLStore) CreateRoom(ctx context.Context, room domain.Room) error {
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.CreatedAt = room.CreatedAt.UTC()
	room.UpdatedAt = room.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO rooms (id, title, bot_id, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		room.ID, room.Title, room.BotID, room.CreatedBy, room.CreatedAt, room.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	for _, member := range room.Members {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)
			 ON CONFLICT (room_id, user_id) DO NOTHING`),
			room.ID, member, now,
		); err != nil {
			return fmt.Errorf("insert room member: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := scanRoom(s.queryRow(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if room.Members, err = s.ListMembers(ctx, id); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLStore) ListRooms(ctx context.Context, memberID string, limit int) ([]domain.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if memberID == "" {
		rows, err = s.query(ctx,
			`SELECT `+roomColumns+` FROM rooms r
			 ORDER BY COALESCE(r.last_message_at, r.created_at) DESC LIMIT ?`, limit)
	} else {
		rows, err = s.query(ctx,
			`SELECT `+roomColumns+` FROM rooms r
			 JOIN room_members m ON m.room_id = r.id
			 WHERE m.user_id = ?
			 ORDER BY COALESCE(r.last_message_at, r.created_at) DESC LIMIT ?`, memberID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// QuietBotRooms returns bot rooms whose last message is older than before,
// quietest first. Rooms without messages are left out.
func (s *SQLStore) QuietBotRooms(ctx context.Context, before time.Time) ([]domain.Room, error) {
	rows, err := s.query(ctx,
		`SELECT `+roomColumns+` FROM rooms r
		 WHERE r.bot_id <> '' AND r.last_message_at IS NOT NULL AND r.last_message_at < ?
		 ORDER BY r.last_message_at ASC`, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (s *SQLStore) UpdateRoomTitle(ctx context.Context, id, title string) error {
	res, err := s.exec(ctx, `UPDATE rooms SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res, "room", id)
}

func (s *SQLStore) DeleteRoom(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM rooms WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if err := expectRow(res, "room", id); err != nil {
		return err
	}
	for _, table := range []string{"messages", "room_members", "room_notes"} {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM `+table+` WHERE room_id = ?`), id); err != nil {
			return fmt.Errorf("delete %s of room %s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := s.exec(ctx,
		`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID, time.Now().UTC())
	return err
}

func (s *SQLStore) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY joined_at, user_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*domain.Room, error) {
	var r domain.Room
	var lastAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Title, &r.BotID, &r.CreatedBy, &r.LastMessage, &r.LastSenderID,
		&lastAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if lastAt.Valid {
		t := lastAt.Time
		r.LastMessageAt = &t
	}
	return &r, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
