package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PgRepository struct {
	conn *sql.DB
	now  func() time.Time
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return newPgRepository(db), nil
}

func newPgRepository(db *sql.DB) *PgRepository {
	return &PgRepository{
		conn: db,
		now:  func() time.Time { return time.Now().UTC().Round(time.Microsecond) },
	}
}

func (db *PgRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (db *PgRepository) GetUser(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, name, avatar FROM users WHERE id = $1",
		id,
	)

	var u User
	if err := row.Scan(&u.Id, &u.Username, &u.Name, &u.Avatar); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (db *PgRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	return getRoom(ctx, db.conn, id)
}

func getRoom(ctx context.Context, q querier, id string) (Room, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, name, is_group, last_message_id, created_at, updated_at FROM rooms WHERE id = $1",
		id,
	)

	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, fmt.Errorf("room %q: %w", id, ErrNotFound)
		}
		return Room{}, fmt.Errorf("select room: %w", err)
	}

	if err := loadParticipants(ctx, q, &r); err != nil {
		return Room{}, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		r      Room
		lastId sql.NullString
	)
	if err := row.Scan(&r.Id, &r.Name, &r.IsGroup, &lastId, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Room{}, err
	}
	r.LastMessageId = lastId.String
	return r, nil
}

func loadParticipants(ctx context.Context, q querier, r *Room) error {
	rows, err := q.QueryContext(ctx,
		"SELECT user_id, unread_count FROM room_participants WHERE room_id = $1 ORDER BY position",
		r.Id,
	)
	if err != nil {
		return fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	r.Participants = []string{}
	r.UnreadCounts = make(map[string]int)
	for rows.Next() {
		var (
			userId string
			unread int
		)
		if err := rows.Scan(&userId, &unread); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		r.Participants = append(r.Participants, userId)
		r.UnreadCounts[userId] = unread
	}
	return rows.Err()
}

func (db *PgRepository) ListRoomsForUser(ctx context.Context, userId string) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT r.id, r.name, r.is_group, r.last_message_id, r.created_at, r.updated_at "+
			"FROM rooms r JOIN room_participants p ON p.room_id = r.id "+
			"WHERE p.user_id = $1 ORDER BY r.updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("select rooms: %w", err)
	}

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		if err := loadParticipants(ctx, db.conn, &rooms[i]); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := db.now()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO rooms (id, name, is_group, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)",
			params.Id,
			params.Name,
			len(params.Participants) > 2,
			now,
		)
		if err != nil {
			return mapPgError(err, "insert room")
		}

		for i, p := range params.Participants {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO room_participants (room_id, user_id, position) VALUES ($1, $2, $3)",
				params.Id,
				p,
				i,
			)
			if err != nil {
				return mapPgError(err, "insert participant")
			}
		}
		return nil
	})
	if err != nil {
		return Room{}, err
	}

	unread := make(map[string]int, len(params.Participants))
	for _, p := range params.Participants {
		unread[p] = 0
	}

	return Room{
		Id:           params.Id,
		Name:         params.Name,
		IsGroup:      len(params.Participants) > 2,
		Participants: params.Participants,
		UnreadCounts: unread,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func mapPgError(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SaveMessage runs the message insert and the room bookkeeping in one
// transaction.
func (db *PgRepository) SaveMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	msg := Message{
		Id:          uuid.NewString(),
		RoomId:      params.RoomId,
		SenderId:    params.SenderId,
		Content:     params.Content,
		MessageType: params.MessageType,
		Attachments: params.Attachments,
		ReadBy:      []string{},
		CreatedAt:   db.now(),
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE rooms SET last_message_id = $1, updated_at = $2 WHERE id = $3",
			msg.Id,
			msg.CreatedAt,
			msg.RoomId,
		)
		if err != nil {
			return fmt.Errorf("update room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("room %q: %w", msg.RoomId, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (id, room_id, sender_id, content, message_type, created_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6)",
			msg.Id,
			msg.RoomId,
			msg.SenderId,
			msg.Content,
			msg.MessageType,
			msg.CreatedAt,
		)
		if err != nil {
			return mapPgError(err, "insert message")
		}

		for i, a := range msg.Attachments {
			var data any
			if a.Data != nil {
				data = a.Data
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO message_attachments (message_id, position, data, url, content_type, type, name, size) "+
					"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
				msg.Id,
				i,
				data,
				sql.NullString{String: a.Url, Valid: a.Url != ""},
				a.ContentType,
				a.Type,
				a.Name,
				a.Size,
			)
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE room_participants SET unread_count = unread_count + 1 WHERE room_id = $1 AND user_id <> $2",
			msg.RoomId,
			msg.SenderId,
		)
		if err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgRepository) ResetUnread(ctx context.Context, roomId, userId string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE room_participants SET unread_count = 0 WHERE room_id = $1 AND user_id = $2 AND unread_count <> 0",
		roomId,
		userId,
	)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (db *PgRepository) MarkMessagesRead(ctx context.Context, roomId, userId string) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, user_id, read_at) "+
			"SELECT m.id, $2, $3 FROM messages m WHERE m.room_id = $1 AND m.sender_id <> $2 "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		roomId,
		userId,
		db.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert reads: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (db *PgRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	before := params.Before
	if before.IsZero() {
		before = db.now().Add(time.Second)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.room_id, m.sender_id, m.content, m.message_type, m.created_at, "+
			"ARRAY(SELECT r.user_id FROM message_reads r WHERE r.message_id = m.id ORDER BY r.read_at) "+
			"FROM messages m WHERE m.room_id = $1 AND m.created_at < $2 "+
			"ORDER BY m.created_at DESC LIMIT $3",
		params.RoomId,
		before,
		pageSize(params.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var (
		messages []Message
		ids      []string
	)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.SenderId,
			&msg.Content,
			&msg.MessageType,
			&msg.CreatedAt,
			pq.Array(&msg.ReadBy),
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.ReadBy == nil {
			msg.ReadBy = []string{}
		}
		messages = append(messages, msg)
		ids = append(ids, msg.Id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		attachments, err := db.loadAttachments(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range messages {
			messages[i].Attachments = attachments[messages[i].Id]
		}
	}

	// oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *PgRepository) loadAttachments(ctx context.Context, messageIds []string) (map[string][]Attachment, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, data, url, content_type, type, name, size FROM message_attachments "+
			"WHERE message_id = ANY($1) ORDER BY message_id, position",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Attachment)
	for rows.Next() {
		var (
			messageId string
			a         Attachment
			url       sql.NullString
		)
		if err := rows.Scan(&messageId, &a.Data, &url, &a.ContentType, &a.Type, &a.Name, &a.Size); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.Url = url.String
		out[messageId] = append(out[messageId], a)
	}
	return out, rows.Err()
}

func (db *PgRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	n := Notification{
		Id:          uuid.NewString(),
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Type:        params.Type,
		Message:     params.Message,
		Link:        params.Link,
		CreatedAt:   db.now(),
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO notifications (id, recipient_id, sender_id, type, message, link, read, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, false, $7)",
		n.Id,
		n.RecipientId,
		n.SenderId,
		n.Type,
		n.Message,
		n.Link,
		n.CreatedAt,
	)
	if err != nil {
		return Notification{}, mapPgError(err, "insert notification")
	}
	return n, nil
}

func (db *PgRepository) ListNotifications(ctx context.Context, recipientId string, limit int) ([]Notification, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, recipient_id, sender_id, type, message, link, read, created_at FROM notifications "+
			"WHERE recipient_id = $1 ORDER BY created_at DESC LIMIT $2",
		recipientId,
		pageSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.Id, &n.RecipientId, &n.SenderId, &n.Type, &n.Message, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
