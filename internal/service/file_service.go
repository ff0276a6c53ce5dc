package service

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

var ErrFileNotFound = errors.New("file not found")

type FileInfo struct {
	Name    string
	IsDir   bool
	ModTime time.Time
}

// FileService 定义存储接口
type FileService interface {
	// Put 保存文件到指定子路径，返回访问 URL
	Put(fileName string, data []byte, subPath string) (string, error)

	// Delete 删除指定子路径的文件，不存在时返回 ErrFileNotFound
	Delete(subPath string) error

	// Get 获取指定子路径文件的 URL，不存在时返回 ErrFileNotFound
	Get(subPath string) (string, error)

	// URL 只拼接 URL，不检查文件是否存在
	URL(subPath string) string

	// Open 读取文件内容
	Open(subPath string) ([]byte, error)

	// List 列出该目录下所有文件名
	List(subPath string) ([]FileInfo, error)
}

// LocalFileService 本地存储实现
type LocalFileService struct {
	URLPrefix string
	Route     string
	BasePath  string
}

// NewLocalFileService app 不为空时把 BasePath 挂到 Route 下作为静态目录
func NewLocalFileService(app fiber.Router, url string, route string, basePath string) (*LocalFileService, error) {
	if err := os.MkdirAll(basePath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create %s: %w", basePath, err)
	}
	if app != nil {
		app.Static(route, basePath)
	}
	return &LocalFileService{URLPrefix: url, Route: route, BasePath: basePath}, nil
}

// fullPath 先按绝对路径清理，结果总落在 BasePath 之下
func (l *LocalFileService) fullPath(subPath string) string {
	clean := path.Clean("/" + strings.ReplaceAll(subPath, "\\", "/"))
	return filepath.Join(l.BasePath, filepath.FromSlash(clean))
}

// Put 保存文件
func (l *LocalFileService) Put(fileName string, data []byte, subPath string) (string, error) {
	fullPath := l.fullPath(path.Join(subPath, fileName))
	if err := os.MkdirAll(filepath.Dir(fullPath), os.ModePerm); err != nil {
		return "", err
	}

	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", err
	}

	return l.URL(path.Join(subPath, fileName)), nil
}

// Delete 删除文件
func (l *LocalFileService) Delete(subPath string) error {
	fullPath := l.fullPath(subPath)
	if _, err := os.Stat(fullPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, fullPath)
	}
	return os.Remove(fullPath)
}

// List 列出目录下所有文件及修改时间
func (l *LocalFileService) List(subPath string) ([]FileInfo, error) {
	fullPath := l.fullPath(subPath)

	info, err := os.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s 不是目录", fullPath)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, FileInfo{
			Name:    entry.Name(),
			IsDir:   entry.IsDir(),
			ModTime: fi.ModTime(),
		})
	}

	return files, nil
}

// Get 获取文件 URL
func (l *LocalFileService) Get(subPath string) (string, error) {
	fullPath := l.fullPath(subPath)
	if _, err := os.Stat(fullPath); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, fullPath)
	}
	return l.URL(subPath), nil
}

func (l *LocalFileService) URL(subPath string) string {
	p := path.Join(l.Route, strings.ReplaceAll(subPath, "\\", "/"))
	return l.URLPrefix + p
}

func (l *LocalFileService) Open(subPath string) ([]byte, error) {
	fullPath := l.fullPath(subPath)
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fullPath)
	}
	return data, err
}
