package upload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
)

// Image is an upload payload: either a reference the host can fetch itself
// or raw encoded bytes.
type Image struct {
	URL  string
	Data []byte
	MIME string
}

// Size returns the number of encoded bytes carried by the image.
func (img Image) Size() int {
	return len(img.Data)
}

// ParseImage accepts an http(s) URL, a data URL or bare base64.
func ParseImage(s string) (Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Image{}, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return Image{URL: s}, nil
	}

	mime := ""
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, data, ok := strings.Cut(s, ",")
		if !ok {
			return Image{}, fmt.Errorf("%w: data URL without payload", ErrInvalidImage)
		}
		if !strings.HasSuffix(header, ";base64") {
			return Image{}, fmt.Errorf("%w: data URL is not base64", ErrInvalidImage)
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		payload = data
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return Image{Data: data, MIME: mime}, nil
}

// maxDecodePixels caps width*height of an image decoded for resizing.
const maxDecodePixels = 50_000_000

// fit shrinks img so that it carries at most maxBytes, resizing to fit in a
// maxDimension square. References and small images pass through untouched.
func fit(img Image, maxBytes, maxDimension int) (Image, error) {
	if img.URL != "" || maxBytes <= 0 || img.Size() <= maxBytes {
		return img, nil
	}
	if maxDimension <= 0 {
		return Image{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, img.Size(), maxBytes)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: cannot decode oversized image: %v", ErrTooLarge, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxDecodePixels {
		return Image{}, fmt.Errorf("%w: %dx%d pixels exceeds decode limit", ErrTooLarge, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: cannot decode oversized image: %v", ErrTooLarge, err)
	}

	thumb := resize.Thumbnail(uint(maxDimension), uint(maxDimension), src, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return Image{}, fmt.Errorf("re-encode image: %w", err)
	}
	if buf.Len() > maxBytes {
		return Image{}, fmt.Errorf("%w: %d bytes after resize exceeds %d", ErrTooLarge, buf.Len(), maxBytes)
	}

	return Image{Data: buf.Bytes(), MIME: "image/jpeg"}, nil
}
