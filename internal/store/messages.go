package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomchat/internal/domain"
)

const messageColumns = `id, room_id, sender_id, display_name, avatar_url, text, attachment_id, gif_url, is_bot, created_at`

// AppendMessage inserts msg and points the room teaser at it in one transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Stored timestamps compare as text in SQLite, so they share one zone.
	msg.CreatedAt = msg.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.dialect.rebind(
		`UPDATE rooms SET last_message = ?, last_sender_id = ?, last_message_at = ?, updated_at = ?
		 WHERE id = ?`),
		teaser(msg), msg.SenderID, msg.CreatedAt, msg.CreatedAt, msg.RoomID)
	if err != nil {
		return msg, fmt.Errorf("update room teaser: %w", err)
	}
	if err := expectRow(res, "room", msg.RoomID); err != nil {
		return msg, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO messages (id, room_id, seq, sender_id, display_name, avatar_url, text, text_folded, attachment_id, gif_url, is_bot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.RoomID, s.nextSeq(), msg.SenderID, msg.DisplayName, msg.AvatarURL, msg.Text,
		foldText(msg.Text), msg.AttachmentID, msg.GifURL, msg.IsBot, msg.CreatedAt,
	); err != nil {
		return msg, fmt.Errorf("insert message: %w", err)
	}
	return msg, tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, roomID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ?
		 ORDER BY seq DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SearchMessages does a case-insensitive substring match on message text,
// newest first. An empty roomID searches every room. The query is matched
// literally: % and _ are not wildcards.
func (s *SQLStore) SearchMessages(ctx context.Context, query, roomID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(foldText(query)) + "%"

	q := `SELECT ` + messageColumns + ` FROM messages WHERE text_folded LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if roomID != "" {
		q += ` AND room_id = ?`
		args = append(args, roomID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// foldText is the case folding shared by stored text and search queries.
// SQLite's LOWER only folds ASCII, so folding happens in Go on both sides.
func foldText(s string) string { return strings.ToLower(s) }

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// backfillFolded fills text_folded for rows written before it existed.
func (s *SQLStore) backfillFolded(ctx context.Context) error {
	rows, err := s.query(ctx, `SELECT id, text FROM messages WHERE text_folded = '' AND text <> ''`)
	if err != nil {
		return err
	}
	type pending struct{ id, text string }
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.text); err != nil {
			rows.Close()
			return err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		if _, err := s.exec(ctx, `UPDATE messages SET text_folded = ? WHERE id = ?`,
			foldText(p.text), p.id); err != nil {
			return err
		}
	}
	if len(todo) > 0 {
		s.logger.Info("search text backfilled", "messages", len(todo))
	}
	return nil
}

func scanMessage(row rowScanner) (domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.DisplayName, &m.AvatarURL, &m.Text,
		&m.AttachmentID, &m.GifURL, &m.IsBot, &m.CreatedAt)
	return m, err
}

// teaser is the room-list preview for a message.
func teaser(msg domain.ChatMessage) string {
	switch {
	case msg.Text != "":
		r := []rune(msg.Text)
		if len(r) > 120 {
			return string(r[:120]) + "…"
		}
		return msg.Text
	case msg.GifURL != "":
		return "[gif]"
	case msg.AttachmentID != "":
		return "[attachment]"
	}
	return ""
}
