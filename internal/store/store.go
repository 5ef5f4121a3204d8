// Package store persists users, rooms, and messages in SQLite and serves the
// ordered history snapshots the read side hands to clients.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a mutation targets a message the user
	// does not own.
	ErrForbidden = errors.New("not the sender")
)

// User is a stored account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Room is a stored chat room.
type Room struct {
	ID            int64
	Name          string
	CreatedByID   int64
	CreatedByName string
	CreatedAt     time.Time
}

// Message is a stored message. Room messages have RoomID set; private
// messages have ReceiverID set. Ids are assigned from a single sequence, so
// they are globally unique and monotonic across both kinds.
type Message struct {
	ID         int64
	RoomID     sql.NullInt64
	SenderID   int64
	SenderName string
	ReceiverID sql.NullInt64
	Content    string
	SentAt     time.Time
	EditedAt   *time.Time
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path. Use ":memory:"
// for tests; the pool is capped at one connection so an in-memory database
// is shared across queries.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_by INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER,
		sender_id INTEGER NOT NULL,
		receiver_id INTEGER,
		content TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (receiver_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(username, passwordHash string) (*User, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username, passwordHash,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.UserByID(id)
}

// UserByID retrieves a user by id.
func (s *Store) UserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, created_at FROM users WHERE id = ?", id))
}

// UserByUsername retrieves a user by username.
func (s *Store) UserByUsername(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Users lists all users ordered by id.
func (s *Store) Users() ([]User, error) {
	rows, err := s.db.Query("SELECT id, username, password_hash, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateRoom inserts a room and enrolls the creator as its first member.
func (s *Store) CreateRoom(name string, createdBy int64) (*Room, error) {
	res, err := s.db.Exec("INSERT INTO rooms (name, created_by) VALUES (?, ?)", name, createdBy)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := s.JoinRoom(id, createdBy); err != nil {
		return nil, err
	}
	return s.RoomByID(id)
}

// RoomByID retrieves a room by id.
func (s *Store) RoomByID(id int64) (*Room, error) {
	r := &Room{}
	err := s.db.QueryRow(
		`SELECT r.id, r.name, r.created_by, u.username, r.created_at
		FROM rooms r JOIN users u ON r.created_by = u.id
		WHERE r.id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.CreatedByID, &r.CreatedByName, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Rooms lists all rooms ordered by id.
func (s *Store) Rooms() ([]Room, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.name, r.created_by, u.username, r.created_at
		FROM rooms r JOIN users u ON r.created_by = u.id
		ORDER BY r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedByID, &r.CreatedByName, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// RoomsForUser lists the rooms the user is a member of, ordered by id.
func (s *Store) RoomsForUser(userID int64) ([]Room, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.name, r.created_by, u.username, r.created_at
		FROM rooms r
		JOIN users u ON r.created_by = u.id
		JOIN room_members rm ON rm.room_id = r.id
		WHERE rm.user_id = ?
		ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedByID, &r.CreatedByName, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// JoinRoom enrolls a user in a room. Joining twice is a no-op.
func (s *Store) JoinRoom(roomID, userID int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
		roomID, userID,
	)
	return err
}

// LeaveRoom removes a user from a room.
func (s *Store) LeaveRoom(roomID, userID int64) error {
	_, err := s.db.Exec(
		"DELETE FROM room_members WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	)
	return err
}

// RoomMembers returns the ids of a room's members.
func (s *Store) RoomMembers(roomID int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// CreateRoomMessage persists a room message and returns it with its
// server-assigned id.
func (s *Store) CreateRoomMessage(roomID, senderID int64, content string) (*Message, error) {
	res, err := s.db.Exec(
		"INSERT INTO messages (room_id, sender_id, content) VALUES (?, ?, ?)",
		roomID, senderID, content,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.MessageByID(id)
}

// CreatePrivateMessage persists a direct message and returns it with its
// server-assigned id.
func (s *Store) CreatePrivateMessage(senderID, receiverID int64, content string) (*Message, error) {
	res, err := s.db.Exec(
		"INSERT INTO messages (sender_id, receiver_id, content) VALUES (?, ?, ?)",
		senderID, receiverID, content,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.MessageByID(id)
}

// MessageByID retrieves a message by id.
func (s *Store) MessageByID(id int64) (*Message, error) {
	m := &Message{}
	err := s.db.QueryRow(
		`SELECT m.id, m.room_id, m.sender_id, u.username, m.receiver_id, m.content, m.sent_at, m.edited_at
		FROM messages m JOIN users u ON m.sender_id = u.id
		WHERE m.id = ?`, id,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.SentAt, &m.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RoomMessages returns a room's messages oldest first.
func (s *Store) RoomMessages(roomID int64) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.room_id, m.sender_id, u.username, m.receiver_id, m.content, m.sent_at, m.edited_at
		FROM messages m JOIN users u ON m.sender_id = u.id
		WHERE m.room_id = ?
		ORDER BY m.sent_at, m.id`, roomID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ConversationBetween returns the direct messages between two users oldest
// first.
func (s *Store) ConversationBetween(userA, userB int64) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.room_id, m.sender_id, u.username, m.receiver_id, m.content, m.sent_at, m.edited_at
		FROM messages m JOIN users u ON m.sender_id = u.id
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.sent_at, m.id`,
		userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.SentAt, &m.EditedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ConversationPartners lists the users the given user has exchanged direct
// messages with, ordered by id.
func (s *Store) ConversationPartners(userID int64) ([]User, error) {
	rows, err := s.db.Query(
		`SELECT id, username, password_hash, created_at FROM users
		WHERE id IN (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END
			FROM messages
			WHERE receiver_id IS NOT NULL AND (sender_id = ? OR receiver_id = ?)
		)
		ORDER BY id`, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		partners = append(partners, u)
	}
	return partners, rows.Err()
}

// EditMessage updates a message's content if senderID owns it and returns
// the updated row.
func (s *Store) EditMessage(id, senderID int64, content string) (*Message, error) {
	m, err := s.MessageByID(id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, ErrForbidden
	}
	editedAt := time.Now().UTC()
	if _, err := s.db.Exec(
		"UPDATE messages SET content = ?, edited_at = ? WHERE id = ?",
		content, editedAt, id,
	); err != nil {
		return nil, err
	}
	return s.MessageByID(id)
}

// DeleteMessage removes a message if senderID owns it and returns the
// deleted row so callers can route the deletion notice.
func (s *Store) DeleteMessage(id, senderID int64) (*Message, error) {
	m, err := s.MessageByID(id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, ErrForbidden
	}
	if _, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return nil, err
	}
	return m, nil
}
