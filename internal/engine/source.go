package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// MapRequest asks a source for an image covering Extent.
type MapRequest struct {
	SRS    string
	Extent Extent
	Width  int
	Height int
}

// FeatureRequest is a point query against a rendered map.
type FeatureRequest struct {
	MapRequest
	Layer      string
	X, Y       int
	InfoFormat string
}

// Source produces imagery for tiles and maps.
type Source interface {
	Render(ctx context.Context, req MapRequest) (image.Image, error)
}

// FeatureSource is implemented by sources that answer feature queries.
type FeatureSource interface {
	FeatureInfo(ctx context.Context, req FeatureRequest) ([]byte, error)
}

const defaultUpstreamTimeout = 10 * time.Second

func buildSource(el sourceElement, client *http.Client) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(el.Type)) {
	case "synthetic":
		fill, err := parseColor(el.Color, el.Name)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", el.Name, err)
		}
		return &syntheticSource{name: el.Name, fill: fill}, nil
	case "wms":
		return buildWMSSource(el, client)
	default:
		return nil, fmt.Errorf("source %q has unsupported type %q", el.Name, el.Type)
	}
}

// syntheticSource paints a deterministic checkerboard with a dark top and
// left edge so tile seams are visible. It needs no upstream.
type syntheticSource struct {
	name string
	fill color.RGBA
}

func (s *syntheticSource) Render(ctx context.Context, req MapRequest) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("source %q: invalid image size %dx%d", s.name, req.Width, req.Height)
	}
	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	shade := color.RGBA{R: s.fill.R / 2, G: s.fill.G / 2, B: s.fill.B / 2, A: 255}
	cell := max(req.Width/8, 1)
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			c := s.fill
			if (x/cell+y/cell)%2 == 1 {
				c = shade
			}
			if x == 0 || y == 0 {
				c = color.RGBA{A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (s *syntheticSource) FeatureInfo(_ context.Context, req FeatureRequest) ([]byte, error) {
	ext := req.Extent
	lon := ext[0] + (float64(req.X)+0.5)*ext.Width()/float64(req.Width)
	lat := ext[3] - (float64(req.Y)+0.5)*ext.Height()/float64(req.Height)
	switch req.InfoFormat {
	case "application/json":
		return json.Marshal(map[string]any{
			"layer":  req.Layer,
			"source": s.name,
			"x":      lon,
			"y":      lat,
			"srs":    req.SRS,
			"color":  fmt.Sprintf("#%02x%02x%02x", s.fill.R, s.fill.G, s.fill.B),
		})
	default:
		return fmt.Appendf(nil, "layer=%s\nsource=%s\nx=%s\ny=%s\nsrs=%s\n",
			req.Layer, s.name, ftoa(lon), ftoa(lat), req.SRS), nil
	}
}

// parseColor reads #rrggbb. An empty value derives a stable colour from the
// source name.
func parseColor(text, seed string) (color.RGBA, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "#")
	if text == "" {
		sum := blake3.Sum256([]byte(seed))
		return color.RGBA{R: sum[0]/2 + 96, G: sum[1]/2 + 96, B: sum[2]/2 + 96, A: 255}, nil
	}
	if len(text) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q must be #rrggbb", text)
	}
	v, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q must be #rrggbb", text)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// wmsSource fetches imagery from an upstream WMS server.
type wmsSource struct {
	name   string
	url    *url.URL
	layers string
	format string
	client *http.Client
}

func buildWMSSource(el sourceElement, client *http.Client) (Source, error) {
	raw := strings.TrimSpace(el.URL)
	if raw == "" {
		return nil, fmt.Errorf("source %q: wms sources need a url", el.Name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source %q: invalid url %q", el.Name, raw)
	}
	if strings.TrimSpace(el.Layers) == "" {
		return nil, fmt.Errorf("source %q: wms sources need layers", el.Name)
	}
	timeout := defaultUpstreamTimeout
	if t := strings.TrimSpace(el.Timeout); t != "" {
		timeout, err = time.ParseDuration(t)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("source %q: invalid timeout %q", el.Name, t)
		}
	}
	if client == nil {
		client = &http.Client{}
	}
	scoped := *client
	scoped.Timeout = timeout
	format := strings.TrimSpace(el.Format)
	if format == "" {
		format = "image/png"
	}
	return &wmsSource{name: el.Name, url: u, layers: strings.TrimSpace(el.Layers), format: format, client: &scoped}, nil
}

func (s *wmsSource) query(req MapRequest, request string) url.Values {
	q := s.url.Query()
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", "1.1.1")
	q.Set("REQUEST", request)
	q.Set("LAYERS", s.layers)
	q.Set("STYLES", "")
	q.Set("SRS", req.SRS)
	q.Set("BBOX", req.Extent.String())
	q.Set("WIDTH", strconv.Itoa(req.Width))
	q.Set("HEIGHT", strconv.Itoa(req.Height))
	q.Set("FORMAT", s.format)
	q.Set("TRANSPARENT", "TRUE")
	return q
}

func (s *wmsSource) Render(ctx context.Context, req MapRequest) (image.Image, error) {
	body, contentType, err := s.fetch(ctx, s.query(req, "GetMap"))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("source %q: upstream returned %s instead of an image: %.200s", s.name, contentType, body)
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("source %q: decode upstream image: %w", s.name, err)
	}
	return img, nil
}

func (s *wmsSource) FeatureInfo(ctx context.Context, req FeatureRequest) ([]byte, error) {
	q := s.query(req.MapRequest, "GetFeatureInfo")
	q.Set("QUERY_LAYERS", s.layers)
	q.Set("INFO_FORMAT", req.InfoFormat)
	q.Set("X", strconv.Itoa(req.X))
	q.Set("Y", strconv.Itoa(req.Y))
	body, _, err := s.fetch(ctx, q)
	return body, err
}

func (s *wmsSource) fetch(ctx context.Context, q url.Values) ([]byte, string, error) {
	target := *s.url
	target.RawQuery = q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("source %q: build request: %w", s.name, err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("source %q: upstream request: %w", s.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("source %q: read upstream body: %w", s.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("source %q: upstream status %d", s.name, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
