package migrate

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 表名会被拼进 SQL，只允许普通标识符
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// DBMigrateAll 建图片表，embedding 维度由配置决定
func DBMigrateAll(db *gorm.DB, table string, dim int) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	log.Info().Str("table", table).Msg("Starting table migrations")

	sql := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id             BIGSERIAL PRIMARY KEY,
    image_filename VARCHAR(255) NOT NULL,
    image_hash     VARCHAR(64)  NOT NULL,
    embedding      vector(%[2]d) NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_filename ON %[1]s (image_filename);
CREATE INDEX IF NOT EXISTS idx_%[1]s_hash ON %[1]s (image_hash);
    `, table, dim)

	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("%s table migration failed: %w", table, err)
	}

	log.Info().Str("table", table).Msg("Table migrations completed")
	return nil
}

// DropTable 对应 Milvus 的 drop collection
func DropTable(db *gorm.DB, table string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	return db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)).Error
}
