package imagesink

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/AsianManiac/webtoon-scraper/models"
	_ "golang.org/x/image/webp"
)

// Encode decodes a downloaded image and re-encodes it in the requested format
func Encode(data []byte, format models.ImageFormat) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}

	var buf bytes.Buffer
	switch format {
	case models.FormatPNG:
		err = png.Encode(&buf, img)
	case models.FormatJPG, "":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	default:
		return nil, fmt.Errorf("unsupported images format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("error encoding %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func ContentType(format models.ImageFormat) string {
	if format == models.FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}
