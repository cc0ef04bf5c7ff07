package hooks

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"collabmgr/services/sessions"
)

const (
	defaultTokenTTL = 24 * time.Hour

	// TokenCookie carries a connection token to the session's web front.
	TokenCookie = "collab-session-token"

	configTokenID      = "token_id"
	configTokenHash    = "token_hash"
	configTokenExpires = "token_expires_at"
)

// Token is an API token handed to the tool inside a session.
type Token struct {
	ID        uuid.UUID
	SessionID string
	Owner     string
	Hash      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenStore persists session tokens.
type TokenStore interface {
	Save(ctx context.Context, t Token) error
	BySession(ctx context.Context, sessionID string) ([]Token, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// SessionToken issues a token when a session is configured, stores it once
// the session exists, and revokes it before the session is terminated. Only
// hashes are kept: the workload gets its value through SESSION_TOKEN and each
// browser connection gets a fresh one as a cookie.
type SessionToken struct {
	Store TokenStore
	TTL   time.Duration
	Now   func() time.Time
}

func (SessionToken) Name() string { return "session-token" }

func (h SessionToken) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h SessionToken) ttl() time.Duration {
	if h.TTL <= 0 {
		return defaultTokenTTL
	}
	return h.TTL
}

func (h SessionToken) Configure(_ context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	value := uuid.New().String()
	return sessions.HookResult{
		SecretEnvironment: map[string]string{"SESSION_TOKEN": value},
		Config: map[string]any{
			configTokenID:      uuid.New().String(),
			configTokenHash:    hashToken(value),
			configTokenExpires: h.now().Add(h.ttl()).UTC().Format(time.RFC3339),
		},
	}, nil
}

func (h SessionToken) AfterCreate(ctx context.Context, s sessions.Session) (map[string]any, error) {
	if h.Store == nil {
		return nil, errors.New("token store is required")
	}
	id, err := uuid.Parse(fmt.Sprint(s.Config[configTokenID]))
	if err != nil {
		return nil, fmt.Errorf("session %s has no token id: %w", s.ID, err)
	}
	hash, _ := s.Config[configTokenHash].(string)
	if hash == "" {
		return nil, fmt.Errorf("session %s has no token hash", s.ID)
	}
	expires, err := time.Parse(time.RFC3339, fmt.Sprint(s.Config[configTokenExpires]))
	if err != nil {
		return nil, fmt.Errorf("session %s token expiry: %w", s.ID, err)
	}

	err = h.Store.Save(ctx, Token{
		ID:        id,
		SessionID: s.ID,
		Owner:     s.Owner,
		Hash:      hash,
		ExpiresAt: expires,
		CreatedAt: h.now().UTC(),
	})
	return nil, err
}

func (h SessionToken) Connect(ctx context.Context, s sessions.Session, info *sessions.ConnectionInfo) error {
	if info.Type == "guacamole" {
		return nil
	}
	if h.Store == nil {
		return errors.New("token store is required")
	}
	value := uuid.New().String()
	now := h.now().UTC()
	err := h.Store.Save(ctx, Token{
		ID:        uuid.New(),
		SessionID: s.ID,
		Owner:     s.Owner,
		Hash:      hashToken(value),
		ExpiresAt: now.Add(h.ttl()),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("save connection token: %w", err)
	}
	if info.Cookies == nil {
		info.Cookies = map[string]string{}
	}
	info.Cookies[TokenCookie] = value
	return nil
}

func (h SessionToken) BeforeTerminate(ctx context.Context, s sessions.Session) error {
	if h.Store == nil {
		return nil
	}
	return h.Store.DeleteBySession(ctx, s.ID)
}

// Verify reports whether value is a live token of the session.
func (h SessionToken) Verify(ctx context.Context, sessionID, value string) (bool, error) {
	tokens, err := h.Store.BySession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	want := []byte(hashToken(value))
	now := h.now()
	for _, t := range tokens {
		if now.After(t.ExpiresAt) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t.Hash), want) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func hashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type tokenModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"type:text;index;not null"`
	Owner     string    `gorm:"type:text;not null"`
	Hash      string    `gorm:"type:text;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (tokenModel) TableName() string { return "session_tokens" }

func (m tokenModel) toToken() Token {
	return Token{
		ID:        m.ID,
		SessionID: m.SessionID,
		Owner:     m.Owner,
		Hash:      m.Hash,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}

// GormTokenStore keeps tokens in the session_tokens table.
type GormTokenStore struct {
	db *gorm.DB
}

func NewGormTokenStore(db *gorm.DB) (*GormTokenStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	return &GormTokenStore{db: db}, nil
}

func (s *GormTokenStore) Save(ctx context.Context, t Token) error {
	m := tokenModel{ID: t.ID, SessionID: t.SessionID, Owner: t.Owner, Hash: t.Hash, ExpiresAt: t.ExpiresAt, CreatedAt: t.CreatedAt}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormTokenStore) BySession(ctx context.Context, sessionID string) ([]Token, error) {
	var models []tokenModel
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Token, 0, len(models))
	for _, m := range models {
		out = append(out, m.toToken())
	}
	return out, nil
}

func (s *GormTokenStore) DeleteBySession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&tokenModel{}).Error
}

// MemoryTokenStore is a TokenStore for tests and single-process setups.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[uuid.UUID]Token)}
}

func (s *MemoryTokenStore) Save(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
	return nil
}

func (s *MemoryTokenStore) BySession(_ context.Context, sessionID string) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Token
	for _, t := range s.tokens {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryTokenStore) DeleteBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.SessionID == sessionID {
			delete(s.tokens, id)
		}
	}
	return nil
}
