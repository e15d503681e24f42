package engine

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
)

// Format encodes rendered images.
type Format struct {
	Name      string
	MimeType  string
	Extension string
	quality   int
}

const defaultJPEGQuality = 85

func builtinFormats() map[string]*Format {
	return map[string]*Format{
		"PNG":  {Name: "PNG", MimeType: "image/png", Extension: "png"},
		"JPEG": {Name: "JPEG", MimeType: "image/jpeg", Extension: "jpg", quality: defaultJPEGQuality},
	}
}

func buildFormat(el formatElement) (*Format, error) {
	switch strings.ToUpper(strings.TrimSpace(el.Type)) {
	case "PNG":
		return &Format{Name: el.Name, MimeType: "image/png", Extension: "png"}, nil
	case "JPEG":
		f := &Format{Name: el.Name, MimeType: "image/jpeg", Extension: "jpg", quality: defaultJPEGQuality}
		if q := strings.TrimSpace(el.Quality); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 1 || n > 100 {
				return nil, fmt.Errorf("format %q quality must be 1-100", el.Name)
			}
			f.quality = n
		}
		return f, nil
	default:
		return nil, fmt.Errorf("format %q has unsupported type %q", el.Name, el.Type)
	}
}

// Encode writes img in this format.
func (f *Format) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch f.MimeType {
	case "image/jpeg":
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: f.quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// flatten composites img over white since jpeg has no alpha channel.
func flatten(img image.Image) image.Image {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}

// formatByMime resolves a FORMAT parameter, accepting a short name as well.
func (h *Handler) formatByMime(value string) (*Format, bool) {
	value = strings.TrimSpace(value)
	if f, ok := h.formats[value]; ok {
		return f, true
	}
	for _, name := range []string{"PNG", "JPEG"} {
		if f, ok := h.formats[name]; ok && strings.EqualFold(f.MimeType, value) {
			return f, true
		}
	}
	if strings.EqualFold(value, "image/jpg") {
		return h.formats["JPEG"], h.formats["JPEG"] != nil
	}
	return nil, false
}
