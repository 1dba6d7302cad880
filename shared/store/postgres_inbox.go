package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const notificationColumns = `id, recipient_id, kind, message, metadata, COALESCE(product_id, ''), COALESCE(bid_id, ''),
	COALESCE(conversation_id, ''), COALESCE(message_id, ''), is_read, created_at, read_at`

func insertNotification(ctx context.Context, q querier, n *models.Notification) error {
	metadata := []byte("{}")
	if len(n.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(n.Metadata); err != nil {
			return fmt.Errorf("failed to marshal notification metadata: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, message, metadata, product_id, bid_id,
			conversation_id, message_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)
	`, n.ID, n.RecipientID, string(n.Kind), n.Message, metadata, n.ProductID, n.BidID,
		n.ConversationID, n.MessageID, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func scanNotification(row scanner) (*models.Notification, error) {
	n := &models.Notification{}
	var (
		kind     string
		metadata []byte
		readAt   sql.NullTime
	)
	err := row.Scan(&n.ID, &n.RecipientID, &kind, &n.Message, &metadata, &n.ProductID, &n.BidID,
		&n.ConversationID, &n.MessageID, &n.IsRead, &n.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	n.Kind = models.NotificationKind(kind)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode notification metadata: %w", err)
		}
		if len(n.Metadata) == 0 {
			n.Metadata = nil
		}
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return n, nil
}

// CreateNotification persists a notification outside any product transaction
func (s *Postgres) CreateNotification(ctx context.Context, n *models.Notification) error {
	return insertNotification(ctx, s.db, n)
}

// ListUnreadNotifications returns unread notifications oldest first
func (s *Postgres) ListUnreadNotifications(ctx context.Context, userID string) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE recipient_id = $1 AND NOT is_read
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead flips unread notifications to read
func (s *Postgres) MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if len(ids) == 0 {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET is_read = TRUE, read_at = $2
			WHERE recipient_id = $1 AND NOT is_read
		`, userID, at)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE notifications SET is_read = TRUE, read_at = $2
			WHERE recipient_id = $1 AND NOT is_read AND id = ANY($3)
		`, userID, at, pq.Array(ids))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

const conversationColumns = `id, seller_id, buyer_id, product_id, created_at`

func scanConversation(row scanner) (*models.Conversation, error) {
	c := &models.Conversation{}
	if err := row.Scan(&c.ID, &c.SellerID, &c.BuyerID, &c.ProductID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func getOrCreateConversation(ctx context.Context, q querier, sellerID, buyerID, productID string) (*models.Conversation, bool, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (seller_id, buyer_id, product_id) DO NOTHING
		RETURNING `+conversationColumns,
		uuid.New().String(), sellerID, buyerID, productID, time.Now().UTC()))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	c, err = scanConversation(q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE seller_id = $1 AND buyer_id = $2 AND product_id = $3
	`, sellerID, buyerID, productID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, false, nil
}

// GetConversation loads a conversation by id
func (s *Postgres) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// GetOrCreateConversation is idempotent on the (seller, buyer, product) triple
func (s *Postgres) GetOrCreateConversation(ctx context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error) {
	return getOrCreateConversation(ctx, s.db, sellerID, buyerID, productID)
}

// ListConversations returns conversations where userID is seller or buyer
func (s *Postgres) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, content, attachment, seen, created_at`

// CreateMessage persists a chat message
func (s *Postgres) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.ConversationID, m.SenderID, m.Content, m.Attachment, m.Seen, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages in chronological order
func (s *Postgres) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachment, &m.Seen, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesSeen flags the counterpart's messages as seen by viewerID
func (s *Postgres) MarkMessagesSeen(ctx context.Context, conversationID, viewerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET seen = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT seen
	`, conversationID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return result.RowsAffected()
}

// UpsertUser mirrors an external user record
func (s *Postgres) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, is_admin) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_admin = EXCLUDED.is_admin
	`, u.ID, u.Name, u.IsAdmin)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser loads a user by id
func (s *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, is_admin FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// AdminIDs lists every admin user id
func (s *Postgres) AdminIDs(ctx context.Context) ([]string, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT id FROM users WHERE is_admin ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	return ids, nil
}
