package migrate

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// InitIndices IVF_FLAT(L2) 索引，lists 与 Milvus 的 nlist 同义
func InitIndices(db *gorm.DB, table string, lists int) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	sql := fmt.Sprintf(`
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1
        FROM pg_indexes
        WHERE schemaname = 'public'
          AND tablename = '%[1]s'
          AND indexname = 'idx_%[1]s_embedding_ivfflat'
    ) THEN
        CREATE INDEX idx_%[1]s_embedding_ivfflat
        ON %[1]s USING ivfflat (embedding vector_l2_ops)
        WITH (lists = %[2]d);
    END IF;
END$$;
    `, table, lists)

	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("IVF_FLAT index initialization failed: %w", err)
	}
	log.Info().Str("table", table).Int("lists", lists).Msg("IVF_FLAT index initialized")
	return nil
}
