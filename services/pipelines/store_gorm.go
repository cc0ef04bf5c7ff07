package pipelines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"collabmgr/pkg/db/migrations"
)

const uniqueViolation = "23505"

var terminalStatuses = []Status{StatusSuccess, StatusFailure, StatusTimeout}

// GormStore is the relational Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

func (s *GormStore) GetPipeline(ctx context.Context, id uuid.UUID) (Pipeline, error) {
	var p Pipeline
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Pipeline{}, ErrPipelineNotFound
		}
		return Pipeline{}, fmt.Errorf("load pipeline: %w", err)
	}
	return p, nil
}

func (s *GormStore) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var out []Pipeline
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return out, nil
}

func (s *GormStore) SetRunNightly(ctx context.Context, id uuid.UUID, nightly bool) error {
	res := s.db.WithContext(ctx).Model(&Pipeline{}).Where("id = ?", id).Update("run_nightly", nightly)
	if res.Error != nil {
		return fmt.Errorf("update pipeline: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

func (s *GormStore) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == migrations.ActiveRunIndex {
			return ErrRunActive
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func (s *GormStore) ListRuns(ctx context.Context, pipelineID uuid.UUID) ([]Run, error) {
	var out []Run
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("trigger_time DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *GormStore) ActiveRuns(ctx context.Context) ([]Run, error) {
	var out []Run
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("trigger_time ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return out, nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, endTime *time.Time) (bool, error) {
	updates := map[string]any{"status": to}
	if endTime != nil {
		updates["end_time"] = *endTime
	}
	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update run status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) MarkAlertSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND alert_sent_at IS NULL", id).
		Update("alert_sent_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("stamp run alert: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) AppendLogs(ctx context.Context, lines []RunLog) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(lines, 200).Error; err != nil {
		return fmt.Errorf("append run logs: %w", err)
	}
	return nil
}

func (s *GormStore) LatestLog(ctx context.Context, runID uuid.UUID, typ LogType) (time.Time, error) {
	var latest *time.Time
	err := s.db.WithContext(ctx).
		Model(&RunLog{}).
		Where("run_id = ? AND type = ?", runID, typ).
		Select("MAX(timestamp)").
		Scan(&latest).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("latest run log: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (s *GormStore) AdvanceCursors(ctx context.Context, id uuid.UUID, logs, events time.Time) error {
	err := s.db.WithContext(ctx).Exec(`
		UPDATE pipeline_runs
		SET logs_last_fetched = GREATEST(logs_last_fetched, ?),
		    events_last_fetched = GREATEST(events_last_fetched, ?)
		WHERE id = ?`, logs, events, id).Error
	if err != nil {
		return fmt.Errorf("advance run cursors: %w", err)
	}
	return nil
}

func (s *GormStore) Logs(ctx context.Context, runID uuid.UUID, typ LogType) ([]RunLog, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	var out []RunLog
	if err := q.Order("timestamp ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return out, nil
}

var _ Store = (*GormStore)(nil)
