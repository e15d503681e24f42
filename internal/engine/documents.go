package engine

import (
	"embed"
	"strings"

	"github.com/l0p7/tilegate/internal/templates"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// documents holds the compiled capability, overlay and exception templates.
type documents struct {
	wmsCapabilities *templates.Template
	wmsException    *templates.Template
	tmsService      *templates.Template
	tmsTileMap      *templates.Template
	kmlOverlay      *templates.Template
}

func loadDocuments(r *templates.Renderer) (*documents, error) {
	d := &documents{}
	for name, dst := range map[string]**templates.Template{
		"templates/wms_capabilities.xml.tmpl": &d.wmsCapabilities,
		"templates/wms_exception.xml.tmpl":    &d.wmsException,
		"templates/tms_service.xml.tmpl":      &d.tmsService,
		"templates/tms_tilemap.xml.tmpl":      &d.tmsTileMap,
		"templates/kml_overlay.kml.tmpl":      &d.kmlOverlay,
	} {
		tmpl, err := r.Resolve(defaultTemplates, name)
		if err != nil {
			return nil, err
		}
		*dst = tmpl
	}
	return d, nil
}

func render(t *templates.Template, data any) ([]byte, error) {
	out, err := t.Render(data)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimLeft(out, " \t\r\n")), nil
}

type box struct {
	MinX, MinY, MaxX, MaxY string
}

func boxOf(e Extent) box {
	return box{MinX: ftoa(e[0]), MinY: ftoa(e[1]), MaxX: ftoa(e[2]), MaxY: ftoa(e[3])}
}

type wmsCapabilitiesData struct {
	Title       string
	URL         string
	Formats     []string
	InfoFormats []string
	SRS         []string
	Layers      []wmsLayer
}

type wmsLayer struct {
	Name      string
	Title     string
	Abstract  string
	Queryable bool
	Boxes     []wmsBox
}

type wmsBox struct {
	SRS string
	Box box
}

type tmsServiceData struct {
	Title    string
	RootURL  string
	TileMaps []tmsTileMapRef
}

type tmsTileMapRef struct {
	Title   string
	SRS     string
	Profile string
	Href    string
}

type tmsTileMapData struct {
	ServiceURL string
	Title      string
	Abstract   string
	SRS        string
	Box        box
	TileWidth  int
	TileHeight int
	MimeType   string
	Extension  string
	Profile    string
	Levels     []tmsLevel
}

type tmsLevel struct {
	Href       string
	Resolution string
	Order      int
}

type kmlData struct {
	Z                        int
	North, South, East, West string
	ImageURL                 string
	Children                 []kmlChild
}

type kmlChild struct {
	Z, X, Y                  int
	North, South, East, West string
	URL                      string
}
