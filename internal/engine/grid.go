package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	defaultLevels = 18
	maxLevels     = 32
	epsilon       = 1e-9
)

// Extent is a bounding box in grid units: minx, miny, maxx, maxy.
type Extent [4]float64

func (e Extent) Width() float64  { return e[2] - e[0] }
func (e Extent) Height() float64 { return e[3] - e[1] }

func (e Extent) valid() bool {
	return e.Width() > 0 && e.Height() > 0 && finite(e.Width()) && finite(e.Height())
}

func finite(v float64) bool { return !math.IsInf(v, 0) && !math.IsNaN(v) }

func (e Extent) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", ftoa(e[0]), ftoa(e[1]), ftoa(e[2]), ftoa(e[3]))
}

// Grid is a tiling scheme. Tile rows count upward from the bottom of the
// extent, matching TMS addressing.
type Grid struct {
	Name        string
	SRS         string
	Units       string
	Extent      Extent
	TileWidth   int
	TileHeight  int
	Resolutions []float64
}

// TileRange bounds valid tile indexes at one level, inclusive.
type TileRange struct {
	MinX, MinY, MaxX, MaxY int
}

func (r TileRange) contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

func (r TileRange) count() int {
	if r.empty() {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

func (r TileRange) empty() bool { return r.MaxX < r.MinX || r.MaxY < r.MinY }

// intersect clips r to o. The result may be empty.
func (r TileRange) intersect(o TileRange) TileRange {
	return TileRange{
		MinX: max(r.MinX, o.MinX),
		MinY: max(r.MinY, o.MinY),
		MaxX: min(r.MaxX, o.MaxX),
		MaxY: min(r.MaxY, o.MaxY),
	}
}

// Levels is the number of zoom levels.
func (g *Grid) Levels() int { return len(g.Resolutions) }

// Range returns the tiles covering the full grid extent at level z.
func (g *Grid) Range(z int) TileRange {
	res := g.Resolutions[z]
	cols := int(math.Ceil(g.Extent.Width()/(res*float64(g.TileWidth)) - epsilon))
	rows := int(math.Ceil(g.Extent.Height()/(res*float64(g.TileHeight)) - epsilon))
	return TileRange{MaxX: cols - 1, MaxY: rows - 1}
}

// Valid reports whether z/x/y addresses a tile inside the grid.
func (g *Grid) Valid(z, x, y int) bool {
	if z < 0 || z >= g.Levels() {
		return false
	}
	return g.Range(z).contains(x, y)
}

// TileExtent is the footprint of tile z/x/y in grid units.
func (g *Grid) TileExtent(z, x, y int) Extent {
	res := g.Resolutions[z]
	w := res * float64(g.TileWidth)
	h := res * float64(g.TileHeight)
	minx := g.Extent[0] + float64(x)*w
	miny := g.Extent[1] + float64(y)*h
	return Extent{minx, miny, minx + w, miny + h}
}

// maxIndex bounds tile indexes computed from arbitrary extents so the
// float to int conversion cannot overflow.
const maxIndex = 1 << 40

func tileIndex(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(-maxIndex, math.Min(maxIndex, v)))
}

// Cover returns the tiles at level z intersecting ext. It is not clipped to
// the grid; intersect it with Range for addressable tiles.
func (g *Grid) Cover(z int, ext Extent) TileRange {
	res := g.Resolutions[z]
	w := res * float64(g.TileWidth)
	h := res * float64(g.TileHeight)
	return TileRange{
		MinX: tileIndex(math.Floor((ext[0]-g.Extent[0])/w + epsilon)),
		MinY: tileIndex(math.Floor((ext[1]-g.Extent[1])/h + epsilon)),
		MaxX: tileIndex(math.Ceil((ext[2]-g.Extent[0])/w-epsilon)) - 1,
		MaxY: tileIndex(math.Ceil((ext[3]-g.Extent[1])/h-epsilon)) - 1,
	}
}

// BestLevel picks the level whose resolution is closest to res.
func (g *Grid) BestLevel(res float64) int {
	best := 0
	bestDist := math.Inf(1)
	for z, r := range g.Resolutions {
		dist := math.Abs(math.Log(r / res))
		if dist < bestDist {
			best, bestDist = z, dist
		}
	}
	return best
}

func (g *Grid) validate() error {
	if g.SRS == "" {
		return fmt.Errorf("grid %q has no srs", g.Name)
	}
	if !g.Extent.valid() {
		return fmt.Errorf("grid %q has an empty extent", g.Name)
	}
	if g.TileWidth <= 0 || g.TileHeight <= 0 || g.TileWidth > 2048 || g.TileHeight > 2048 {
		return fmt.Errorf("grid %q has invalid tile size %dx%d", g.Name, g.TileWidth, g.TileHeight)
	}
	if len(g.Resolutions) == 0 || len(g.Resolutions) > maxLevels {
		return fmt.Errorf("grid %q needs between 1 and %d resolutions", g.Name, maxLevels)
	}
	for i, r := range g.Resolutions {
		if r <= 0 {
			return fmt.Errorf("grid %q resolution %d must be positive", g.Name, i)
		}
		if i > 0 && r >= g.Resolutions[i-1] {
			return fmt.Errorf("grid %q resolutions must decrease", g.Name)
		}
	}
	return nil
}

func halvings(res0 float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = res0 / math.Pow(2, float64(i))
	}
	return out
}

const mercatorMax = 20037508.3427892

func builtinGrids() map[string]*Grid {
	return map[string]*Grid{
		"WGS84": {
			Name:        "WGS84",
			SRS:         "EPSG:4326",
			Units:       "dd",
			Extent:      Extent{-180, -90, 180, 90},
			TileWidth:   256,
			TileHeight:  256,
			Resolutions: halvings(0.703125, defaultLevels),
		},
		"GoogleMapsCompatible": {
			Name:        "GoogleMapsCompatible",
			SRS:         "EPSG:3857",
			Units:       "m",
			Extent:      Extent{-mercatorMax, -mercatorMax, mercatorMax, mercatorMax},
			TileWidth:   256,
			TileHeight:  256,
			Resolutions: halvings(156543.0339280410, defaultLevels),
		},
	}
}

func buildGrid(el gridElement) (*Grid, error) {
	g := &Grid{
		Name:  el.Name,
		SRS:   strings.ToUpper(strings.TrimSpace(el.SRS)),
		Units: strings.TrimSpace(el.Units),
	}
	if g.Units == "" {
		g.Units = "m"
	}
	extent, err := parseFloats(el.Extent)
	if err != nil {
		return nil, fmt.Errorf("grid %q extent: %w", el.Name, err)
	}
	if len(extent) != 4 {
		return nil, fmt.Errorf("grid %q extent needs 4 values, got %d", el.Name, len(extent))
	}
	copy(g.Extent[:], extent)

	g.TileWidth, g.TileHeight = 256, 256
	if strings.TrimSpace(el.Size) != "" {
		size, err := parseFloats(el.Size)
		if err != nil || len(size) != 2 {
			return nil, fmt.Errorf("grid %q size must be two integers", el.Name)
		}
		g.TileWidth, g.TileHeight = int(size[0]), int(size[1])
	}

	g.Resolutions, err = parseFloats(el.Resolutions)
	if err != nil {
		return nil, fmt.Errorf("grid %q resolutions: %w", el.Name, err)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func parseFloats(text string) ([]float64, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if len(fields) == 0 {
		return nil, errors.New("no values")
	}
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || !finite(v) {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
