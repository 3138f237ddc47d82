package store

import (
	"context"
	"time"

	"github.com/routinely/routinely/internal/agent"
)

// AppendMessage records one conversation message for a session. The message
// log feeds contextMessages splicing at job execution time.
func (s *Store) AppendMessage(ctx context.Context, session, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages (session_id, role, content, created_at) VALUES (?,?,?,?)`,
		sessionOrDefault(session), role, content, fmtTime(time.Now()))
	return err
}

// PruneMessages deletes all but the newest keep messages of a session and
// returns how many rows went away. Keeps the message log from growing without
// bound on long-lived sessions.
func (s *Store) PruneMessages(ctx context.Context, session string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM messages WHERE session_id = ? AND id NOT IN (
  SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)`,
		sessionOrDefault(session), sessionOrDefault(session), keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecentMessages returns up to n of the session's latest messages in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, session string, n int) ([]agent.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxContextMessages {
		n = MaxContextMessages
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, created_at FROM messages
WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionOrDefault(session), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []agent.Message
	for rows.Next() {
		var (
			m         agent.Message
			createdAt string
		)
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
