package service

import (
	"errors"
	"path"
	"time"

	"github.com/rs/zerolog/log"
)

// ClearFiles 删除 subPath 下修改时间早于 olderThan 的文件，返回删除数量
func ClearFiles(fs FileService, subPath string, olderThan time.Duration) (int, error) {
	files, err := fs.List(subPath)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)

	removed := 0
	for _, f := range files {
		if f.IsDir || !f.ModTime.Before(cutoff) {
			continue
		}
		if err := fs.Delete(path.Join(subPath, f.Name)); err != nil && !errors.Is(err, ErrFileNotFound) {
			log.Warn().Err(err).Str("file", f.Name).Msg("文件删除失败")
			continue
		}
		removed++
	}

	return removed, nil
}

func RegisterFileCleaner(p *PeriodicService, name string, fs FileService, subPath string, olderThan time.Duration, spec string) error {
	return p.Register(name, spec, func() {
		n, err := ClearFiles(fs, subPath, olderThan)
		if err != nil {
			log.Error().Err(err).Str("cleaner", name).Msg("Failed to clear files")
			return
		}
		if n > 0 {
			log.Info().Str("cleaner", name).Int("removed", n).Msg("expired files removed")
		}
	})
}
