package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Chat conversation phases (§4.F "per-conversation state machine").
const (
	ChatPhaseIdle       = "IDLE"
	ChatPhaseCollecting = "COLLECTING"
	ChatPhaseRunning    = "RUNNING"
	ChatPhaseCooldown   = "COOLDOWN"
)

// RegisteredGroup is a chat surface (Telegram group, web thread, bridged
// channel) the operator has opted in for task creation (§3 "Registered group").
type RegisteredGroup struct {
	ChatKey         string
	Transport       string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool
	CreatedAt       time.Time
}

// RegisterGroup opts a chat surface into task creation, identified by its
// transport-qualified key (e.g. "telegram:-1001", "web:abc123").
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (chat_key, transport, folder, trigger_pattern, requires_trigger)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_key) DO UPDATE SET transport=excluded.transport, folder=excluded.folder,
			trigger_pattern=excluded.trigger_pattern, requires_trigger=excluded.requires_trigger;
	`, g.ChatKey, g.Transport, g.Folder, g.TriggerPattern, boolToInt(g.RequiresTrigger))
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.ChatKey, err)
	}
	return nil
}

// GetRegisteredGroup looks up a chat key's registration, if any.
func (s *Store) GetRegisteredGroup(ctx context.Context, chatKey string) (*RegisteredGroup, error) {
	var g RegisteredGroup
	var requires int
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_key, transport, folder, trigger_pattern, requires_trigger, created_at
		FROM registered_groups WHERE chat_key = ?;
	`, chatKey).Scan(&g.ChatKey, &g.Transport, &g.Folder, &g.TriggerPattern, &requires, &g.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get registered group %s: %w", chatKey, err)
	}
	g.RequiresTrigger = requires != 0
	return &g, nil
}

// ListRegisteredGroups returns every registered chat surface.
func (s *Store) ListRegisteredGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_key, transport, folder, trigger_pattern, requires_trigger, created_at FROM registered_groups;
	`)
	if err != nil {
		return nil, fmt.Errorf("list registered groups: %w", err)
	}
	defer rows.Close()
	var out []RegisteredGroup
	for rows.Next() {
		var g RegisteredGroup
		var requires int
		if err := rows.Scan(&g.ChatKey, &g.Transport, &g.Folder, &g.TriggerPattern, &requires, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan registered group: %w", err)
		}
		g.RequiresTrigger = requires != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// ChatConversation tracks the collection-window state machine for a
// single chat key (§4.F).
type ChatConversation struct {
	ChatKey           string
	Phase             string
	CollectionDeadline *time.Time
	CooldownDeadline   *time.Time
	SessionID          string
	LastSeenAt         time.Time
	UpdatedAt          time.Time
}

// GetOrCreateConversation fetches a chat key's conversation row, creating
// it in IDLE if it does not yet exist.
func (s *Store) GetOrCreateConversation(ctx context.Context, chatKey string) (*ChatConversation, error) {
	c, err := s.getConversation(ctx, chatKey)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	err = retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_conversations (chat_key, phase, last_seen_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(chat_key) DO NOTHING;
		`, chatKey, ChatPhaseIdle)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation %s: %w", chatKey, err)
	}
	return s.getConversation(ctx, chatKey)
}

func (s *Store) getConversation(ctx context.Context, chatKey string) (*ChatConversation, error) {
	var c ChatConversation
	var collectDeadline, cooldownDeadline sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_key, phase, collection_deadline, cooldown_deadline, session_id, last_seen_at, updated_at
		FROM chat_conversations WHERE chat_key = ?;
	`, chatKey).Scan(&c.ChatKey, &c.Phase, &collectDeadline, &cooldownDeadline, &c.SessionID, &c.LastSeenAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation %s: %w", chatKey, err)
	}
	if collectDeadline.Valid {
		c.CollectionDeadline = &collectDeadline.Time
	}
	if cooldownDeadline.Valid {
		c.CooldownDeadline = &cooldownDeadline.Time
	}
	return &c, nil
}

// TransitionConversation moves a chat key from oldPhase to newPhase,
// publishing a bus event so chat dashboards stay in sync. The mutex-like
// commit point is the WHERE phase = oldPhase clause: a concurrent
// transition loses the race and ok comes back false, matching the
// single-writer RUNNING-transition guarantee in §4.F.
func (s *Store) TransitionConversation(ctx context.Context, chatKey, oldPhase, newPhase string, collectionDeadline, cooldownDeadline *time.Time, sessionID string) (ok bool, err error) {
	err = retryOnBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE chat_conversations
			SET phase=?, collection_deadline=?, cooldown_deadline=?, session_id=?, updated_at=CURRENT_TIMESTAMP
			WHERE chat_key=? AND phase=?;
		`, newPhase, collectionDeadline, cooldownDeadline, sessionID, chatKey, oldPhase)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		ok = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transition conversation %s: %w", chatKey, err)
	}
	if ok && s.bus != nil {
		s.bus.Publish(chatStateChangedTopic, map[string]any{"chat_key": chatKey, "old_phase": oldPhase, "new_phase": newPhase})
	}
	return ok, nil
}

// chatStateChangedTopic mirrors bus.TopicChatStateChanged without an
// import cycle — store cannot import bus's topic constants directly
// because they reference store types in their doc comments only, so the
// literal is kept in lockstep with internal/bus/topics.go.
const chatStateChangedTopic = "chat.state_changed"

// ListCollectingDue returns every conversation in COLLECTING whose
// collection deadline has passed, for the dispatcher's tick loop to
// promote into RUNNING.
func (s *Store) ListCollectingDue(ctx context.Context, now time.Time) ([]ChatConversation, error) {
	return s.listConversationsDue(ctx, ChatPhaseCollecting, "collection_deadline", now)
}

// ListCooldownDue returns every conversation in COOLDOWN whose cooldown
// deadline has passed, for the dispatcher's tick loop to return to IDLE.
func (s *Store) ListCooldownDue(ctx context.Context, now time.Time) ([]ChatConversation, error) {
	return s.listConversationsDue(ctx, ChatPhaseCooldown, "cooldown_deadline", now)
}

func (s *Store) listConversationsDue(ctx context.Context, phase, deadlineColumn string, now time.Time) ([]ChatConversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_key, phase, collection_deadline, cooldown_deadline, session_id, last_seen_at, updated_at
		FROM chat_conversations WHERE phase = ? AND `+deadlineColumn+` IS NOT NULL AND `+deadlineColumn+` <= ?;
	`, phase, now)
	if err != nil {
		return nil, fmt.Errorf("list %s due conversations: %w", phase, err)
	}
	defer rows.Close()
	var out []ChatConversation
	for rows.Next() {
		var c ChatConversation
		var collectDeadline, cooldownDeadline sql.NullTime
		if err := rows.Scan(&c.ChatKey, &c.Phase, &collectDeadline, &cooldownDeadline, &c.SessionID, &c.LastSeenAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan due conversation: %w", err)
		}
		if collectDeadline.Valid {
			c.CollectionDeadline = &collectDeadline.Time
		}
		if cooldownDeadline.Valid {
			c.CooldownDeadline = &cooldownDeadline.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchConversation updates last_seen_at without altering phase, used on
// every inbound message regardless of current state.
func (s *Store) TouchConversation(ctx context.Context, chatKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_conversations SET last_seen_at=CURRENT_TIMESTAMP WHERE chat_key=?;`, chatKey)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", chatKey, err)
	}
	return nil
}

// ChatMessage is a single inbound message collected during a chat
// window, stored so the dispatcher agent can replay the full window
// verbatim (§4.F).
type ChatMessage struct {
	ID         int64
	ChatKey    string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	Delivered  bool
	CreatedAt  time.Time
}

// AppendChatMessage stores an inbound message, de-duplicating on
// (chat_key, message_id) so transport-level redelivery cannot double-count
// a window.
func (s *Store) AppendChatMessage(ctx context.Context, m ChatMessage) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM chat_messages WHERE chat_key = ? AND message_id = ?;
		`, m.ChatKey, m.MessageID).Scan(&id)
		if err == nil {
			return nil // duplicate delivery, ignore
		}
		if err != sql.ErrNoRows {
			return err
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages (chat_key, message_id, sender_id, sender_name, text, delivered)
			VALUES (?, ?, ?, ?, ?, 0);
		`, m.ChatKey, m.MessageID, m.SenderID, m.SenderName, m.Text)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append chat message: %w", err)
	}
	return id, nil
}

// UndeliveredChatMessages returns every message collected during the
// current window, oldest first, for assembly into the dispatcher prompt.
func (s *Store) UndeliveredChatMessages(ctx context.Context, chatKey string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_key, message_id, sender_id, sender_name, text, delivered, created_at
		FROM chat_messages WHERE chat_key = ? AND delivered = 0 ORDER BY id ASC;
	`, chatKey)
	if err != nil {
		return nil, fmt.Errorf("undelivered chat messages: %w", err)
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var delivered int
		if err := rows.Scan(&m.ID, &m.ChatKey, &m.MessageID, &m.SenderID, &m.SenderName, &m.Text, &delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Delivered = delivered != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkChatMessagesDelivered flags a window's messages as consumed once
// the dispatcher agent has been launched with them.
func (s *Store) MarkChatMessagesDelivered(ctx context.Context, chatKey string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET delivered=1 WHERE chat_key=? AND delivered=0;`, chatKey); err != nil {
		return fmt.Errorf("mark chat messages delivered %s: %w", chatKey, err)
	}
	return nil
}

// ListChatMessages returns a thread's full message history, newest last,
// for dashboard display rather than dispatcher consumption.
func (s *Store) ListChatMessages(ctx context.Context, chatKey string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_key, message_id, sender_id, sender_name, text, delivered, created_at
		FROM chat_messages WHERE chat_key = ? ORDER BY id DESC LIMIT ?;
	`, chatKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages %s: %w", chatKey, err)
	}
	defer rows.Close()
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var delivered int
		if err := rows.Scan(&m.ID, &m.ChatKey, &m.MessageID, &m.SenderID, &m.SenderName, &m.Text, &delivered, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Delivered = delivered != 0
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
