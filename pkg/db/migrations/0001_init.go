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

// ComputeNode mirrors one fleet host as reported by inventory or sysinfo.
type ComputeNode struct {
	UUID            uuid.UUID         `gorm:"column:uuid;type:uuid;primaryKey"`
	Hostname        string            `gorm:"type:text;not null;default:''"`
	Datacenter      string            `gorm:"type:text;not null;default:''"`
	Setup           bool              `gorm:"not null;default:false"`
	Sysinfo         datatypes.JSONMap `gorm:"type:jsonb"`
	PlatformVersion string            `gorm:"type:text;not null;default:''"`
	RetireAt        *time.Time        `gorm:"type:timestamptz"`
	CreatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

// Zone is a service instance running on a compute node.
type Zone struct {
	UUID       uuid.UUID   `gorm:"column:uuid;type:uuid;primaryKey"`
	ServerUUID uuid.UUID   `gorm:"column:server_uuid;type:uuid;not null;index"`
	Role       string      `gorm:"type:text;not null"`
	CreatedAt  time.Time   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Server     ComputeNode `gorm:"foreignKey:ServerUUID;references:UUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
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
	return gormDB.WithContext(ctx).AutoMigrate(&ComputeNode{}, &Zone{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Zone{}, &ComputeNode{})
}
