package util

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// 允许入库 / 检索的图片类型
var imageExtSet = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".gif":  {},
	".heic": {},
}

// 目录扫描时使用的类型（与上传保持一致）
func IsImageExt(ext string) bool {
	_, ok := imageExtSet[strings.ToLower(ext)]
	return ok
}

func GetFileExt(fileName string) string {
	return strings.ToLower(filepath.Ext(fileName))
}

// AllowedImage 文件名必须带扩展名且在白名单内
func AllowedImage(fileName string) bool {
	if !strings.Contains(fileName, ".") {
		return false
	}
	return IsImageExt(GetFileExt(fileName))
}

// SecureFilename 去掉目录部分和不安全字符，结果可直接作为存储文件名
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Join(strings.Fields(name), "_")

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "._")
}

// HashBytes 文件内容的 MD5（十六进制小写）
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
