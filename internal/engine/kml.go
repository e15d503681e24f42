package engine

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/tilegate/internal/tilecache"
)

// serveKML handles /kml/<tileset>@<grid>/z/x/y.kml super-overlays and the
// tile images they reference.
func (h *Handler) serveKML(ctx context.Context, base string, segments []string, q params) (*tilecache.RawResponse, error) {
	if len(segments) != 4 {
		return nil, notFound("unknown kml resource /%s", strings.Join(segments, "/"))
	}
	ts, g, err := h.tileRef(segments[0])
	if err != nil {
		return nil, err
	}
	if g.SRS != "EPSG:4326" {
		return nil, badRequest("kml needs a grid in EPSG:4326, %s is %s", g.Name, g.SRS)
	}
	ys, ext, _ := strings.Cut(segments[3], ".")
	ext = strings.ToLower(ext)
	z, x, y, err := parseTileCoords(segments[1], segments[2], ys)
	if err != nil {
		return nil, err
	}
	switch {
	case ext == "kml":
		return h.kmlOverlay(base, ts, g, z, x, y, q)
	case tileExtensions[ext]:
		return h.serveTile(ctx, ts, g, serviceKML, z, x, y, q)
	default:
		return nil, badRequest("unsupported kml extension %q", ext)
	}
}

func (h *Handler) kmlOverlay(base string, ts *tileset, g *Grid, z, x, y int, q params) (*tilecache.RawResponse, error) {
	if !g.Valid(z, x, y) {
		return nil, notFound("tile %d/%d/%d is outside grid %s", z, x, y, g.Name)
	}
	if err := h.allow(ts, g, serviceKML, z, x, y, q); err != nil {
		return nil, err
	}
	prefix := base + "/kml/" + ts.name + "@" + g.Name + "/"
	ext := g.TileExtent(z, x, y)
	data := kmlData{
		Z:        z,
		North:    ftoa(ext[3]),
		South:    ftoa(ext[1]),
		East:     ftoa(ext[2]),
		West:     ftoa(ext[0]),
		ImageURL: prefix + tilePath(z, x, y) + "." + ts.format.Extension,
	}
	if z+1 < g.Levels() {
		cover := g.Cover(z+1, ext)
		for cy := cover.MinY; cy <= cover.MaxY; cy++ {
			for cx := cover.MinX; cx <= cover.MaxX; cx++ {
				if !g.Valid(z+1, cx, cy) {
					continue
				}
				child := g.TileExtent(z+1, cx, cy)
				data.Children = append(data.Children, kmlChild{
					Z: z + 1, X: cx, Y: cy,
					North: ftoa(child[3]),
					South: ftoa(child[1]),
					East:  ftoa(child[2]),
					West:  ftoa(child[0]),
					URL:   prefix + tilePath(z+1, cx, cy) + ".kml",
				})
			}
		}
	}
	body, err := render(h.docs.kmlOverlay, data)
	if err != nil {
		return nil, err
	}
	return docResponse(http.StatusOK, mimeKML, body), nil
}

func tilePath(z, x, y int) string {
	return itoa(z) + "/" + itoa(x) + "/" + itoa(y)
}

func itoa(n int) string { return strconv.Itoa(n) }
