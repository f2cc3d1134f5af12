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

// SyncEvent is the journal row. Column names are read back with scany in pkg/db.
type SyncEvent struct {
	ID       uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Kind     string            `gorm:"type:text;not null;index"`
	Artifact string            `gorm:"type:text;not null;index"`
	Identity string            `gorm:"type:text;not null"`
	Decision string            `gorm:"type:text"`
	Digest   string            `gorm:"type:text"`
	Message  string            `gorm:"type:text"`
	Details  datatypes.JSONMap `gorm:"type:jsonb"`
	At       time.Time         `gorm:"type:timestamptz;not null;default:now();index"`
}

func (SyncEvent) TableName() string { return "sync_events" }

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
	return gormDB.WithContext(ctx).AutoMigrate(&SyncEvent{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&SyncEvent{})
}
