// Package journal persists accounts, sessions and submitted mood log batches
// in a local SQLite database.
package journal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/lovecare/internal/analytics"
)

const (
	schemaVersion     = 2
	MinPasswordLength = 6

	// Characters in a Telegram link code.
	linkCodeLen = 10

	// Fixed-width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidEmail       = errors.New("invalid email")
)

type User struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	TelegramChatID int64     `json:"telegramChatId,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Name is the local part of the email, used as a display name.
func (u User) Name() string {
	name, _, _ := strings.Cut(u.Email, "@")
	return name
}

type Session struct {
	Token     string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// LinkCode is a one-time code that proves a Telegram chat belongs to the
// account that requested it.
type LinkCode struct {
	Code      string    `json:"code"`
	Email     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BatchSummary describes one submitted batch without its rows.
type BatchSummary struct {
	ID        string    `json:"id"`
	Days      int       `json:"days"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			telegram_chat_id INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_email ON sessions(email)`,
		`CREATE TABLE IF NOT EXISTS mood_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
			batch_id TEXT NOT NULL,
			day INTEGER NOT NULL,
			mood INTEGER NOT NULL,
			stress INTEGER NOT NULL,
			energy INTEGER NOT NULL,
			sleep REAL NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mood_logs_user ON mood_logs(user_email, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_mood_logs_batch ON mood_logs(batch_id, day)`,
		`CREATE TABLE IF NOT EXISTS link_codes (
			code TEXT PRIMARY KEY,
			email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_link_codes_email ON link_codes(email)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Store) Register(ctx context.Context, email, password string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	if len(password) < MinPasswordLength {
		return User{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE email = ?`, email).Scan(&exists)
	if err != nil {
		return User{}, fmt.Errorf("check user: %w", err)
	}
	if exists > 0 {
		return User{}, ErrEmailTaken
	}

	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)
	`, email, string(hash), created.Format(timeLayout))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("user id: %w", err)
	}
	return User{ID: id, Email: email, CreatedAt: created}, nil
}

func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, ErrInvalidCredentials
	}

	var (
		u       User
		hash    string
		created string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, telegram_chat_id, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &hash, &u.TelegramChatID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, email string) (User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return User{}, ErrNotFound
	}

	var (
		u       User
		created string
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, email, telegram_chat_id, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.TelegramChatID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *Store) CreateSession(ctx context.Context, email string, ttl time.Duration) (Session, error) {
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return Session{}, err
	}

	now := s.now().UTC()
	sess := Session{
		Token:     uuid.NewString(),
		Email:     u.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, email, created_at, expires_at) VALUES (?, ?, ?, ?)
	`, sess.Token, sess.Email, sess.CreatedAt.Format(timeLayout), sess.ExpiresAt.Format(timeLayout))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// LookupSession returns ErrNotFound for unknown and expired tokens alike.
func (s *Store) LookupSession(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrNotFound
	}

	var sess Session
	var created, expires string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, email, created_at, expires_at FROM sessions WHERE token = ?
	`, token).Scan(&sess.Token, &sess.Email, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.ExpiresAt = parseTime(expires)
	if !s.now().UTC().Before(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveBatch stores logs as one batch for a registered user and returns the
// batch id.
func (s *Store) SaveBatch(ctx context.Context, email string, logs []analytics.DailyLog) (string, error) {
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return "", err
	}

	batchID := uuid.NewString()
	created := s.now().UTC().Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mood_logs (user_email, batch_id, day, mood, stress, energy, sleep, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, u.Email, batchID, l.Day, l.Mood, l.Stress, l.Energy, l.Sleep, l.Reflection, created); err != nil {
			return "", fmt.Errorf("insert log day %d: %w", l.Day, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit batch: %w", err)
	}
	return batchID, nil
}

// LatestBatch returns the newest batch for email ordered by day.
func (s *Store) LatestBatch(ctx context.Context, email string) ([]analytics.DailyLog, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrNotFound
	}

	var batchID string
	err = s.db.QueryRowContext(ctx, `
		SELECT batch_id FROM mood_logs WHERE user_email = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, email).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest batch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT day, mood, stress, energy, sleep, note FROM mood_logs
		WHERE batch_id = ? ORDER BY day ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	defer rows.Close()

	var logs []analytics.DailyLog
	for rows.Next() {
		var l analytics.DailyLog
		if err := rows.Scan(&l.Day, &l.Mood, &l.Stress, &l.Energy, &l.Sleep, &l.Reflection); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch: %w", err)
	}
	return logs, nil
}

func (s *Store) ListBatches(ctx context.Context, email string, limit int) ([]BatchSummary, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, COUNT(1), MIN(created_at), MAX(id) AS last_id FROM mood_logs
		WHERE user_email = ?
		GROUP BY batch_id
		ORDER BY MIN(created_at) DESC, last_id DESC
		LIMIT ?
	`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var (
			b       BatchSummary
			created string
			lastID  int64
		)
		if err := rows.Scan(&b.ID, &b.Days, &created, &lastID); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// LinkTelegram subscribes the user to Telegram digests. A zero chatID unlinks.
func (s *Store) LinkTelegram(ctx context.Context, email string, chatID int64) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET telegram_chat_id = ? WHERE email = ?`, chatID, email)
	if err != nil {
		return fmt.Errorf("link telegram: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link telegram: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateLinkCode issues a code the user sends to the bot as /link <code>.
// Earlier codes for the same user stop working.
func (s *Store) CreateLinkCode(ctx context.Context, email string, ttl time.Duration) (LinkCode, error) {
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return LinkCode{}, err
	}

	lc := LinkCode{
		Code:      rand.Text()[:linkCodeLen],
		Email:     u.Email,
		ExpiresAt: s.now().UTC().Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LinkCode{}, fmt.Errorf("begin link code: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM link_codes WHERE email = ?`, lc.Email); err != nil {
		return LinkCode{}, fmt.Errorf("drop old link codes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO link_codes (code, email, expires_at) VALUES (?, ?, ?)
	`, lc.Code, lc.Email, lc.ExpiresAt.Format(timeLayout)); err != nil {
		return LinkCode{}, fmt.Errorf("insert link code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return LinkCode{}, fmt.Errorf("commit link code: %w", err)
	}
	return lc, nil
}

// RedeemLinkCode consumes code and links chatID to the account that issued
// it, returning that account's email. Unknown, used and expired codes all
// return ErrNotFound.
func (s *Store) RedeemLinkCode(ctx context.Context, code string, chatID int64) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || chatID == 0 {
		return "", ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin redeem: %w", err)
	}
	defer tx.Rollback()

	var email, expires string
	err = tx.QueryRowContext(ctx, `
		SELECT email, expires_at FROM link_codes WHERE code = ?
	`, code).Scan(&email, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load link code: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM link_codes WHERE code = ?`, code); err != nil {
		return "", fmt.Errorf("consume link code: %w", err)
	}

	if !s.now().UTC().Before(parseTime(expires)) {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit redeem: %w", err)
		}
		return "", ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET telegram_chat_id = ? WHERE email = ?`, chatID, email); err != nil {
		return "", fmt.Errorf("link telegram: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit redeem: %w", err)
	}
	return email, nil
}

// Subscribers lists users with a linked Telegram chat.
func (s *Store) Subscribers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, telegram_chat_id, created_at FROM users
		WHERE telegram_chat_id != 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var created string
		if err := rows.Scan(&u.ID, &u.Email, &u.TelegramChatID, &created); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		u.CreatedAt = parseTime(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return out, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
