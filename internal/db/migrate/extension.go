package migrate

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func InitExtensions(db *gorm.DB) error {
	sql := `
-- 扩展启用
CREATE EXTENSION IF NOT EXISTS vector;
    `

	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("extensions initialization failed: %w", err)
	}
	log.Info().Msg("Extensions initialized")
	return nil
}
