package store

import (
	"context"
	"database/sql"
	"time"

	"roomchat/internal/domain"
)

func (s *SQLStore) SetNote(ctx context.Context, note domain.RoomNote) error {
	if note.UpdatedAt.IsZero() {
		note.UpdatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO room_notes (room_id, note_key, note_value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (room_id, note_key) DO UPDATE SET
			note_value = excluded.note_value,
			updated_at = excluded.updated_at`,
		note.RoomID, note.Key, note.Value, note.UpdatedAt)
	return err
}

func (s *SQLStore) ListNotes(ctx context.Context, roomID string) ([]domain.RoomNote, error) {
	rows, err := s.query(ctx,
		`SELECT room_id, note_key, note_value, updated_at FROM room_notes
		 WHERE room_id = ? ORDER BY note_key`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.RoomNote
	for rows.Next() {
		var n domain.RoomNote
		if err := rows.Scan(&n.RoomID, &n.Key, &n.Value, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *SQLStore) SaveAttachment(ctx context.Context, att domain.Attachment) error {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx,
		`INSERT INTO attachments (id, room_id, filename, mime_type, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.RoomID, att.Filename, att.MimeType, att.Size, att.StoragePath, att.CreatedAt)
	return err
}

func (s *SQLStore) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	var a domain.Attachment
	err := s.queryRow(ctx,
		`SELECT id, room_id, filename, mime_type, size, storage_path, created_at
		 FROM attachments WHERE id = ?`, id,
	).Scan(&a.ID, &a.RoomID, &a.Filename, &a.MimeType, &a.Size, &a.StoragePath, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
