package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/tilegate/internal/engine/store"
	"github.com/l0p7/tilegate/internal/expr"
	"github.com/l0p7/tilegate/internal/templates"
	"github.com/l0p7/tilegate/internal/tilecache"
)

const (
	mimeText      = "text/plain"
	mimeXML       = "text/xml"
	mimeWMSError  = "application/vnd.ogc.se_xml"
	mimeKML       = "application/vnd.google-earth.kml+xml"
	httpTimeFmt   = "Mon, 02 Jan 2006 15:04:05 GMT"
	maxMapSize    = 4096
	maxMapTiles   = 1024
	contentLength = "Content-Length"
)

type tileset struct {
	name        string
	title       string
	abstract    string
	source      Source
	store       store.TileStore
	grids       []*Grid
	format      *Format
	expires     time.Duration
	guard       expr.Guard
	infoFormats []string
}

func (t *tileset) grid(name string) (*Grid, bool) {
	for _, g := range t.grids {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

func (t *tileset) gridBySRS(srs string) (*Grid, bool) {
	for _, g := range t.grids {
		if strings.EqualFold(g.SRS, srs) {
			return g, true
		}
	}
	return nil, false
}

// Handler serves requests against one validated configuration. It is
// immutable and safe for concurrent use.
type Handler struct {
	log      tilecache.LogFunc
	observer Observer
	now      func() time.Time

	grids     map[string]*Grid
	formats   map[string]*Format
	tilesets  map[string]*tileset
	order     []string
	services  map[string]bool
	wmsFormat *Format
	docs      *documents
	stores    []store.TileStore
	sandbox   *templates.Sandbox

	flight singleflight.Group
}

// clientError is a protocol-level failure rendered as an error document.
type clientError struct {
	status  int
	message string
}

func (e *clientError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &clientError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &clientError{status: http.StatusNotFound, message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &clientError{status: http.StatusForbidden, message: fmt.Sprintf(format, args...)}
}

// Handle routes the tuple to WMS, TMS or KML. Client errors come back as
// error documents; a returned error means the engine failed.
func (h *Handler) Handle(ctx context.Context, req tilecache.Request) (*tilecache.RawResponse, error) {
	path := req.PathInfo
	if path == "" {
		path = "/"
	}
	segments := splitPath(path)
	base := strings.TrimRight(req.BaseURL, "/")
	query, perr := parseParams(req.QueryString)
	if perr != nil {
		h.log.Logf(tilecache.LevelDebug, "malformed query string %q: %v", req.QueryString, perr)
	}

	var (
		service string
		resp    *tilecache.RawResponse
		err     error
	)
	switch {
	case len(segments) == 0 || (len(segments) == 1 && strings.EqualFold(segments[0], serviceWMS)):
		service = serviceWMS
	case strings.EqualFold(segments[0], serviceTMS):
		service = serviceTMS
	case strings.EqualFold(segments[0], serviceKML):
		service = serviceKML
	}
	if service == "" || !h.services[service] {
		return h.plainError(&clientError{status: http.StatusNotFound, message: "no service configured for " + path}), nil
	}

	switch service {
	case serviceWMS:
		resp, err = h.serveWMS(ctx, base, query)
	case serviceTMS:
		resp, err = h.serveTMS(ctx, base, segments[1:], query)
	case serviceKML:
		resp, err = h.serveKML(ctx, base, segments[1:], query)
	}
	if err != nil {
		var ce *clientError
		if !errors.As(err, &ce) {
			h.log.Logf(tilecache.LevelError, "%s request %s?%s failed: %v", service, path, req.QueryString, err)
			return nil, err
		}
		h.log.Logf(tilecache.LevelInfo, "%s request %s?%s rejected: %s", service, path, req.QueryString, ce.message)
		if service == serviceWMS {
			return h.wmsError(ce)
		}
		return h.plainError(ce), nil
	}
	return resp, nil
}

// Close releases cache backends and the template sandbox.
func (h *Handler) Close(ctx context.Context) error {
	var errs []error
	for _, st := range h.stores {
		if err := st.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.sandbox.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) plainError(ce *clientError) *tilecache.RawResponse {
	return &tilecache.RawResponse{
		Code:    ce.status,
		Headers: []tilecache.HeaderField{{Name: "Content-Type", Value: mimeText}},
		Data:    []byte(ce.message + "\n"),
	}
}

func (h *Handler) wmsError(ce *clientError) (*tilecache.RawResponse, error) {
	body, err := render(h.docs.wmsException, map[string]any{"Message": ce.message})
	if err != nil {
		return nil, err
	}
	return docResponse(ce.status, mimeWMSError, body), nil
}

// docResponse wraps a synthesized document. It never carries a timestamp.
func docResponse(status int, contentType string, body []byte) *tilecache.RawResponse {
	return &tilecache.RawResponse{
		Code:    status,
		Headers: []tilecache.HeaderField{{Name: "Content-Type", Value: contentType}},
		Data:    body,
	}
}

// imageResponse carries caching directives and the artifact mtime.
func (h *Handler) imageResponse(contentType string, body []byte, mtime time.Time, expires time.Duration) *tilecache.RawResponse {
	now := h.now().UTC()
	headers := []tilecache.HeaderField{{Name: "Content-Type", Value: contentType}}
	if expires > 0 {
		headers = append(headers,
			tilecache.HeaderField{Name: "Cache-Control", Value: "max-age=" + strconv.Itoa(int(expires/time.Second))},
			tilecache.HeaderField{Name: "Expires", Value: now.Add(expires).Format(httpTimeFmt)},
		)
	} else {
		headers = append(headers,
			tilecache.HeaderField{Name: "Cache-Control", Value: "no-cache"},
			tilecache.HeaderField{Name: "Expires", Value: now.Format(httpTimeFmt)},
		)
	}
	headers = append(headers,
		tilecache.HeaderField{Name: "Last-Modified", Value: mtime.UTC().Format(httpTimeFmt)},
		tilecache.HeaderField{Name: "ETag", Value: etag(body)},
		tilecache.HeaderField{Name: contentLength, Value: strconv.Itoa(len(body))},
	)
	return &tilecache.RawResponse{Code: http.StatusOK, Headers: headers, Data: body, MTime: mtime}
}

func (h *Handler) observe(ts *tileset, outcome string) {
	if h.observer != nil {
		h.observer.ObserveTileCache(ts.name, outcome)
	}
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// params is a case-insensitive view of the query string. The first value of
// a repeated key wins.
type params map[string]string

// parseParams returns the first parse error alongside the pairs that did
// parse. Malformed escapes drop only the offending pair.
func parseParams(query string) (params, error) {
	values, err := url.ParseQuery(query)
	out := make(params, len(values))
	for k, v := range values {
		key := strings.ToUpper(k)
		if _, seen := out[key]; seen || len(v) == 0 {
			continue
		}
		out[key] = v[0]
	}
	return out, err
}

func (p params) get(name string) string {
	return strings.TrimSpace(p[strings.ToUpper(name)])
}

func (p params) plain() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[strings.ToLower(k)] = v
	}
	return out
}

// tileRef splits "name@grid", defaulting the grid when the tileset has one.
func (h *Handler) tileRef(ref string) (*tileset, *Grid, error) {
	name, gridName, hasGrid := strings.Cut(ref, "@")
	ts, ok := h.tilesets[name]
	if !ok {
		return nil, nil, notFound("unknown tileset %q", name)
	}
	if !hasGrid {
		if len(ts.grids) != 1 {
			return nil, nil, notFound("tileset %q has several grids, address one as %s@<grid>", name, name)
		}
		return ts, ts.grids[0], nil
	}
	g, ok := ts.grid(gridName)
	if !ok {
		return nil, nil, notFound("tileset %q is not available on grid %q", name, gridName)
	}
	return ts, g, nil
}

func parseTileCoords(zs, xs, ys string) (int, int, int, error) {
	z, errZ := strconv.Atoi(zs)
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errZ != nil || errX != nil || errY != nil {
		return 0, 0, 0, badRequest("invalid tile coordinates %s/%s/%s", zs, xs, ys)
	}
	return z, x, y, nil
}

func profileOf(g *Grid) string {
	switch g.SRS {
	case "EPSG:4326":
		return "global-geodetic"
	case "EPSG:3857", "EPSG:900913":
		return "global-mercator"
	default:
		return "local"
	}
}
