package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeVersionPaths = "2024-06-01_normalize_version_paths"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeVersionPaths, apply: normalizeVersionPaths},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeVersionPaths rewrites Windows separators stored by older clients.
func normalizeVersionPaths(db *gorm.DB) error {
	return db.Model(&versions.Record{}).
		Where("instr(path, ?) > 0", `\`).
		Update("path", gorm.Expr("replace(path, ?, ?)", `\`, "/")).Error
}
