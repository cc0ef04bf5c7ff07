package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type sessionModel struct {
	ID               string            `gorm:"type:text;primaryKey"`
	Owner            string            `gorm:"type:text;index;not null"`
	ToolID           string            `gorm:"type:text;not null"`
	ToolVersion      string            `gorm:"type:text;not null"`
	Type             string            `gorm:"type:text;not null"`
	ConnectionMethod string            `gorm:"type:text"`
	ProjectID        *string           `gorm:"type:text;index"`
	Environment      datatypes.JSONMap `gorm:"type:jsonb"`
	Config           datatypes.JSONMap `gorm:"type:jsonb"`
	Alerted          bool              `gorm:"type:boolean;not null;default:false"`
	CreatedAt        time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (sessionModel) TableName() string { return "sessions" }

func (m sessionModel) toSession() Session {
	env := make(map[string]string, len(m.Environment))
	for k, v := range m.Environment {
		if s, ok := v.(string); ok {
			env[k] = s
		} else {
			env[k] = fmt.Sprint(v)
		}
	}
	cfg := map[string]any(m.Config)
	if cfg == nil {
		cfg = map[string]any{}
	}
	return Session{
		ID:               m.ID,
		Owner:            m.Owner,
		ToolID:           m.ToolID,
		ToolVersion:      m.ToolVersion,
		Type:             Type(m.Type),
		ConnectionMethod: m.ConnectionMethod,
		ProjectID:        m.ProjectID,
		CreatedAt:        m.CreatedAt,
		Environment:      env,
		Config:           cfg,
		Alerted:          m.Alerted,
	}
}

func fromSession(s Session) sessionModel {
	env := make(datatypes.JSONMap, len(s.Environment))
	for k, v := range s.Environment {
		env[k] = v
	}
	return sessionModel{
		ID:               s.ID,
		Owner:            s.Owner,
		ToolID:           s.ToolID,
		ToolVersion:      s.ToolVersion,
		Type:             string(s.Type),
		ConnectionMethod: s.ConnectionMethod,
		ProjectID:        s.ProjectID,
		Environment:      env,
		Config:           datatypes.JSONMap(s.Config),
		Alerted:          s.Alerted,
		CreatedAt:        s.CreatedAt,
	}
}

// GormStore keeps sessions in the relational database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, session Session) error {
	model := fromSession(session)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Session, error) {
	var model sessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return model.toSession(), nil
}

func (s *GormStore) List(ctx context.Context, owner string) ([]Session, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var models []sessionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Session, 0, len(models))
	for _, m := range models {
		out = append(out, m.toSession())
	}
	return out, nil
}

func (s *GormStore) UpdateConfig(ctx context.Context, id string, config map[string]any) error {
	return s.update(ctx, id, "config", datatypes.JSONMap(config))
}

func (s *GormStore) SetAlerted(ctx context.Context, id string, alerted bool) error {
	return s.update(ctx, id, "alerted", alerted)
}

func (s *GormStore) update(ctx context.Context, id, column string, value any) error {
	res := s.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionModel{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

var _ Store = (*GormStore)(nil)
