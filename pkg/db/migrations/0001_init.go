// Package migrations holds the ledger schema as goose Go migrations.
package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// All returns the ledger migrations in version order.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: upInit}, &goose.GoFunc{RunTx: downInit}),
	}
}

// Schema snapshots as of version 1. Later migrations must not edit these.

type Submission struct {
	RunID       string         `gorm:"type:uuid;primaryKey"`
	Task        string         `gorm:"type:text;not null;index"`
	Email       string         `gorm:"type:text;not null"`
	Round       int            `gorm:"not null"`
	Nonce       string         `gorm:"type:text;not null"`
	Brief       string         `gorm:"type:text"`
	CallbackURL string         `gorm:"type:text;not null"`
	Status      string         `gorm:"type:text;not null;index"`
	Stage       string         `gorm:"type:text"`
	Error       string         `gorm:"type:text"`
	RepoURL     string         `gorm:"type:text"`
	CommitRef   string         `gorm:"type:text"`
	PagesURL    string         `gorm:"type:text"`
	BundleDir   string         `gorm:"type:text"`
	Notice      datatypes.JSON `gorm:"type:json"`
	Attempts    int            `gorm:"not null;default:0"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Archive struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	RunID     string    `gorm:"type:uuid;not null;uniqueIndex"`
	Task      string    `gorm:"type:text;not null;index"`
	Bucket    string    `gorm:"type:text;not null"`
	Key       string    `gorm:"type:text;not null"`
	SHA256    string    `gorm:"type:text;not null"`
	Size      int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Submission{}, &Archive{}, &Audit{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Audit{}, &Archive{}, &Submission{})
}
