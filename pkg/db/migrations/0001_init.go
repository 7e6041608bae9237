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

type Manifest struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ContentHash string         `gorm:"type:text;uniqueIndex;not null"`
	Bucket      string         `gorm:"type:text;not null"`
	Key         string         `gorm:"type:text;not null"`
	EntryCount  int            `gorm:"type:int;not null"`
	Entries     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt   *time.Time     `gorm:"type:timestamptz;index"`
}

type BatchJob struct {
	JobID               string     `gorm:"type:text;primaryKey"`
	ManifestContentHash string     `gorm:"type:text;uniqueIndex;not null"`
	Status              string     `gorm:"type:text;not null"`
	ReportBucket        string     `gorm:"type:text"`
	ReportKey           string     `gorm:"type:text"`
	CreatedAt           time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	ExpiresAt           *time.Time `gorm:"type:timestamptz;index"`
}

type ChecksumRecord struct {
	ObjectKey      string            `gorm:"type:text;primaryKey"`
	Bucket         string            `gorm:"type:text;not null"`
	Key            string            `gorm:"type:text;not null"`
	VersionID      string            `gorm:"type:text"`
	Algorithm      string            `gorm:"type:text;not null"`
	ComputedDigest string            `gorm:"type:text"`
	ExpectedDigest string            `gorm:"type:text"`
	Outcome        string            `gorm:"type:text;not null"`
	FailureReason  string            `gorm:"type:text"`
	TagApplied     bool              `gorm:"type:boolean;not null;default:false;index"`
	Conflict       bool              `gorm:"type:boolean;not null;default:false"`
	PreviousDigest string            `gorm:"type:text"`
	JobID          string            `gorm:"type:text;index"`
	Attrs          datatypes.JSONMap `gorm:"type:jsonb"`
	ProcessedAt    time.Time         `gorm:"type:timestamptz;not null"`
	ExpiresAt      *time.Time        `gorm:"type:timestamptz;index"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Manifest{},
		&BatchJob{},
		&ChecksumRecord{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&ChecksumRecord{},
		&BatchJob{},
		&Manifest{},
	)
}
