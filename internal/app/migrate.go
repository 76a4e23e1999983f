package app

import (
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-dca/internal/model"
)

// AutoMigrate 自动建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Plan{},
		&model.Execution{},
		&model.JobRun{},
	)
}
