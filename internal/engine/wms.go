package engine

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/l0p7/tilegate/internal/tilecache"
)

func (h *Handler) serveWMS(ctx context.Context, base string, q params) (*tilecache.RawResponse, error) {
	request := q.get("REQUEST")
	switch {
	case request == "":
		return nil, badRequest("received wms request with no request= parameter")
	case strings.EqualFold(request, "GetCapabilities"):
		return h.wmsCapabilities(base)
	case strings.EqualFold(request, "GetMap"):
		return h.wmsGetMap(ctx, q)
	case strings.EqualFold(request, "GetFeatureInfo"):
		return h.wmsFeatureInfo(ctx, q)
	default:
		return nil, badRequest("received wms request with invalid request %s", request)
	}
}

func (h *Handler) wmsCapabilities(base string) (*tilecache.RawResponse, error) {
	data := wmsCapabilitiesData{
		Title: "tilegate wms service",
		URL:   base + "/?",
	}
	formats := map[string]bool{}
	infoFormats := map[string]bool{}
	srs := map[string]bool{}
	for _, name := range h.order {
		ts := h.tilesets[name]
		layer := wmsLayer{
			Name:      ts.name,
			Title:     ts.title,
			Abstract:  ts.abstract,
			Queryable: len(ts.infoFormats) > 0,
		}
		for _, g := range ts.grids {
			srs[g.SRS] = true
			layer.Boxes = append(layer.Boxes, wmsBox{SRS: g.SRS, Box: boxOf(g.Extent)})
		}
		for _, f := range ts.infoFormats {
			infoFormats[f] = true
		}
		data.Layers = append(data.Layers, layer)
	}
	for _, f := range h.formats {
		formats[f.MimeType] = true
	}
	data.Formats = sortedKeys(formats)
	data.InfoFormats = sortedKeys(infoFormats)
	data.SRS = sortedKeys(srs)

	body, err := render(h.docs.wmsCapabilities, data)
	if err != nil {
		return nil, err
	}
	return docResponse(http.StatusOK, mimeXML, body), nil
}

// mapQuery is a validated GetMap style request.
type mapQuery struct {
	layers []*tileset
	srs    string
	bbox   Extent
	width  int
	height int
}

func (h *Handler) parseMapQuery(q params, layersParam string) (mapQuery, error) {
	var mq mapQuery
	names := q.get(layersParam)
	if names == "" {
		return mq, badRequest("received wms request with no %s", strings.ToLower(layersParam))
	}
	for _, name := range strings.Split(names, ",") {
		ts, ok := h.tilesets[strings.TrimSpace(name)]
		if !ok {
			return mq, badRequest("received wms request with invalid layer %s", name)
		}
		mq.layers = append(mq.layers, ts)
	}

	version := q.get("VERSION")
	mq.srs = strings.ToUpper(q.get("SRS"))
	if mq.srs == "" {
		mq.srs = strings.ToUpper(q.get("CRS"))
	}
	if mq.srs == "" {
		return mq, badRequest("received wms request with no srs")
	}

	values, err := parseFloats(q.get("BBOX"))
	if err != nil || len(values) != 4 {
		return mq, badRequest("received wms request with invalid bbox")
	}
	copy(mq.bbox[:], values)
	// WMS 1.3.0 uses latitude/longitude axis order for EPSG:4326.
	if version == "1.3.0" && mq.srs == "EPSG:4326" {
		mq.bbox = Extent{mq.bbox[1], mq.bbox[0], mq.bbox[3], mq.bbox[2]}
	}
	if !mq.bbox.valid() {
		return mq, badRequest("received wms request with invalid bbox")
	}

	mq.width, err = strconv.Atoi(q.get("WIDTH"))
	if err != nil || mq.width <= 0 || mq.width > maxMapSize {
		return mq, badRequest("received wms request with invalid width")
	}
	mq.height, err = strconv.Atoi(q.get("HEIGHT"))
	if err != nil || mq.height <= 0 || mq.height > maxMapSize {
		return mq, badRequest("received wms request with invalid height")
	}
	return mq, nil
}

func (h *Handler) wmsGetMap(ctx context.Context, q params) (*tilecache.RawResponse, error) {
	mq, err := h.parseMapQuery(q, "LAYERS")
	if err != nil {
		return nil, err
	}
	format := h.wmsFormat
	if f := q.get("FORMAT"); f != "" {
		var ok bool
		format, ok = h.formatByMime(f)
		if !ok {
			return nil, badRequest("received wms request with invalid format %s", f)
		}
	}
	if format == nil {
		format = mq.layers[0].format
	}

	canvas := image.NewRGBA(image.Rect(0, 0, mq.width, mq.height))
	var mtime time.Time
	expires := time.Duration(math.MaxInt64)
	for _, ts := range mq.layers {
		g, ok := ts.gridBySRS(mq.srs)
		if !ok {
			return nil, badRequest("received unsuitable wms request: no grid with suitable srs found for layer %s", ts.name)
		}
		layerTime, err := h.drawLayer(ctx, canvas, ts, g, mq, q)
		if err != nil {
			return nil, err
		}
		if layerTime.After(mtime) {
			mtime = layerTime
		}
		expires = min(expires, ts.expires)
	}
	if mtime.IsZero() {
		mtime = h.now().UTC().Truncate(time.Second)
	}

	body, err := format.Encode(canvas)
	if err != nil {
		return nil, err
	}
	return h.imageResponse(format.MimeType, body, mtime, expires), nil
}

// drawLayer mosaics the tiles covering the request at the closest level and
// scales the result onto canvas. Tiles outside the grid or refused by the
// guard stay transparent.
func (h *Handler) drawLayer(ctx context.Context, canvas *image.RGBA, ts *tileset, g *Grid, mq mapQuery, q params) (time.Time, error) {
	res := math.Max(mq.bbox.Width()/float64(mq.width), mq.bbox.Height()/float64(mq.height))
	z := g.BestLevel(res)
	cover := g.Cover(z, mq.bbox).intersect(g.Range(z))
	if cover.empty() {
		return time.Time{}, nil
	}
	if cover.count() > maxMapTiles {
		return time.Time{}, badRequest("wms request for %s needs %d tiles, the limit is %d", ts.name, cover.count(), maxMapTiles)
	}

	tw, th := g.TileWidth, g.TileHeight
	cols := cover.MaxX - cover.MinX + 1
	rows := cover.MaxY - cover.MinY + 1
	mosaic := image.NewRGBA(image.Rect(0, 0, cols*tw, rows*th))

	var mtime time.Time
	for y := cover.MinY; y <= cover.MaxY; y++ {
		for x := cover.MinX; x <= cover.MaxX; x++ {
			if !g.Valid(z, x, y) {
				continue
			}
			if err := h.allow(ts, g, serviceWMS, z, x, y, q); err != nil {
				if _, denied := err.(*clientError); denied {
					continue
				}
				return time.Time{}, err
			}
			t, err := h.tile(ctx, ts, g, z, x, y)
			if err != nil {
				return time.Time{}, err
			}
			img, _, err := image.Decode(bytes.NewReader(t.Data))
			if err != nil {
				return time.Time{}, err
			}
			px := (x - cover.MinX) * tw
			py := (cover.MaxY - y) * th
			draw.Draw(mosaic, image.Rect(px, py, px+tw, py+th), img, img.Bounds().Min, draw.Src)
			if t.ModTime.After(mtime) {
				mtime = t.ModTime
			}
		}
	}

	// Map the request bbox into mosaic pixels, then draw only the part the
	// mosaic covers so a clipped cover does not stretch over the canvas.
	r := g.Resolutions[z]
	minx := g.Extent[0] + float64(cover.MinX*tw)*r
	maxy := g.Extent[1] + float64((cover.MaxY+1)*th)*r
	fx0, fy0 := (mq.bbox[0]-minx)/r, (maxy-mq.bbox[3])/r
	fx1, fy1 := (mq.bbox[2]-minx)/r, (maxy-mq.bbox[1])/r
	if !finite(fx0) || !finite(fy0) || !finite(fx1) || !finite(fy1) || fx1 <= fx0 || fy1 <= fy0 {
		return mtime, nil
	}
	mb := mosaic.Bounds()
	cx0, cy0 := math.Max(fx0, 0), math.Max(fy0, 0)
	cx1, cy1 := math.Min(fx1, float64(mb.Dx())), math.Min(fy1, float64(mb.Dy()))
	if cx1 <= cx0 || cy1 <= cy0 {
		return mtime, nil
	}
	sx := float64(canvas.Bounds().Dx()) / (fx1 - fx0)
	sy := float64(canvas.Bounds().Dy()) / (fy1 - fy0)
	dst := image.Rect(
		int(math.Floor((cx0-fx0)*sx)),
		int(math.Floor((cy0-fy0)*sy)),
		int(math.Ceil((cx1-fx0)*sx)),
		int(math.Ceil((cy1-fy0)*sy)),
	).Intersect(canvas.Bounds())
	src := image.Rect(
		int(math.Floor(cx0)),
		int(math.Floor(cy0)),
		int(math.Ceil(cx1)),
		int(math.Ceil(cy1)),
	).Intersect(mb)
	if dst.Empty() || src.Empty() {
		return mtime, nil
	}
	xdraw.ApproxBiLinear.Scale(canvas, dst, mosaic, src, draw.Over, nil)
	return mtime, nil
}

func (h *Handler) wmsFeatureInfo(ctx context.Context, q params) (*tilecache.RawResponse, error) {
	layerParam := "QUERY_LAYERS"
	if q.get(layerParam) == "" {
		layerParam = "LAYERS"
	}
	mq, err := h.parseMapQuery(q, layerParam)
	if err != nil {
		return nil, err
	}
	ts := mq.layers[0]
	if len(ts.infoFormats) == 0 {
		return nil, badRequest("layer %s does not support feature info queries", ts.name)
	}
	infoFormat := q.get("INFO_FORMAT")
	if infoFormat == "" {
		infoFormat = ts.infoFormats[0]
	}
	if !slices.Contains(ts.infoFormats, infoFormat) {
		return nil, badRequest("layer %s does not support info format %s", ts.name, infoFormat)
	}
	px, py := q.get("X"), q.get("Y")
	if px == "" && py == "" {
		px, py = q.get("I"), q.get("J")
	}
	x, errX := strconv.Atoi(px)
	y, errY := strconv.Atoi(py)
	if errX != nil || errY != nil || x < 0 || y < 0 || x >= mq.width || y >= mq.height {
		return nil, badRequest("received wms feature info request with invalid pixel position")
	}
	if _, ok := ts.gridBySRS(mq.srs); !ok {
		return nil, badRequest("received unsuitable wms request: no grid with suitable srs found for layer %s", ts.name)
	}

	fs := ts.source.(FeatureSource)
	body, err := fs.FeatureInfo(ctx, FeatureRequest{
		MapRequest: MapRequest{SRS: mq.srs, Extent: mq.bbox, Width: mq.width, Height: mq.height},
		Layer:      ts.name,
		X:          x,
		Y:          y,
		InfoFormat: infoFormat,
	})
	if err != nil {
		return nil, err
	}
	return docResponse(http.StatusOK, infoFormat, body), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
