package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Image pgvector 后端的一行；表名与 Milvus 集合名一致
type Image struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	ImageFilename string          `gorm:"type:varchar(255);not null;index"`
	ImageHash     string          `gorm:"type:varchar(64);not null;index"`
	Embedding     pgvector.Vector `gorm:"type:vector"`
	CreatedAt     time.Time
}
