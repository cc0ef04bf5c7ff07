package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Snapshots of the models as of this migration. Later schema changes get
// their own migration instead of editing these.

type Session struct {
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

type SessionToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"type:text;index;not null"`
	Owner     string    `gorm:"type:text;not null"`
	Hash      string    `gorm:"type:text;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Session   Session   `gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Pipeline struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelID              string    `gorm:"type:text;not null;index"`
	GitURL               string    `gorm:"type:text;not null"`
	GitRevision          string    `gorm:"type:text"`
	GitUsername          string    `gorm:"type:text"`
	GitPassword          string    `gorm:"type:text"`
	BackendHost          string    `gorm:"type:text;not null"`
	BackendRepository    string    `gorm:"type:text;not null"`
	BackendProject       string    `gorm:"type:text"`
	BackendUsername      string    `gorm:"type:text"`
	BackendPassword      string    `gorm:"type:text"`
	IncludeCommitHistory bool      `gorm:"not null;default:false"`
	RunNightly           bool      `gorm:"not null;default:false"`
	CreatedBy            string    `gorm:"type:text"`
	CreatedAt            time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type PipelineRun struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ReferenceID       string            `gorm:"type:text;not null;uniqueIndex"`
	Status            string            `gorm:"type:text;not null;index"`
	PipelineID        uuid.UUID         `gorm:"type:uuid;not null;index"`
	TriggeredBy       *string           `gorm:"type:text"`
	TriggerTime       time.Time         `gorm:"type:timestamptz;not null"`
	EndTime           *time.Time        `gorm:"type:timestamptz"`
	Environment       datatypes.JSONMap `gorm:"type:jsonb"`
	LogsLastFetched   time.Time         `gorm:"type:timestamptz;not null"`
	EventsLastFetched time.Time         `gorm:"type:timestamptz;not null"`
	AlertSentAt       *time.Time        `gorm:"type:timestamptz"`
	Pipeline          Pipeline          `gorm:"foreignKey:PipelineID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type PipelineRunLog struct {
	ID        int64       `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID   `gorm:"type:uuid;not null;index:idx_run_logs_run_ts"`
	Line      string      `gorm:"type:text;not null"`
	Timestamp time.Time   `gorm:"type:timestamptz;not null;index:idx_run_logs_run_ts"`
	Type      string      `gorm:"type:text;not null"`
	Reason    *string     `gorm:"type:text"`
	Run       PipelineRun `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Session{},
		&SessionToken{},
		&Pipeline{},
		&PipelineRun{},
		&PipelineRunLog{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, c := range []struct {
		model any
		name  string
	}{
		{&SessionToken{}, "Session"},
		{&PipelineRun{}, "Pipeline"},
		{&PipelineRunLog{}, "Run"},
	} {
		if m.HasConstraint(c.model, c.name) {
			continue
		}
		if err := m.CreateConstraint(c.model, c.name); err != nil {
			return err
		}
	}
	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&PipelineRunLog{},
		&PipelineRun{},
		&Pipeline{},
		&SessionToken{},
		&Session{},
	)
}
