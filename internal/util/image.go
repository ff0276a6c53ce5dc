package util

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/jdeng/goheif"
	_ "golang.org/x/image/webp"
)

var ErrInvalidImage = errors.New("invalid image")

// ProcessImageToJPEG 统一转成 RGB JPEG，特征提取服务只需要处理一种格式
func ProcessImageToJPEG(data []byte, ext string) ([]byte, error) {
	ext = strings.ToLower(ext)

	switch ext {
	case ".heic":
		return encodeJPEGFromHEIC(data)
	case ".livp":
		return extractImageFromLivpRecursive(data)
	default: // jpg/png/gif/webp
		return encodeJPEGFromImageData(data)
	}
}

func encodeJPEGFromHEIC(data []byte) ([]byte, error) {
	img, err := goheif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return encodeJPEG(img)
}

func encodeJPEGFromImageData(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return encodeJPEG(img)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	// 调色板 / 透明图先铺到 RGBA 上
	if _, ok := img.(*image.Paletted); ok {
		rgba := image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		img = rgba
	}
	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes(), err
}

// livp 内部递归处理图片或 heic
func extractImageFromLivpRecursive(data []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	for _, f := range r.File {
		if !IsImageExt(filepath.Ext(f.Name)) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(rc)
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			continue
		}

		return ProcessImageToJPEG(content, filepath.Ext(f.Name))
	}

	return nil, fmt.Errorf("%w: no image found in livp", ErrInvalidImage)
}
