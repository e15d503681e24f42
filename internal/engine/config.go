package engine

import "encoding/xml"

// document is the raw <tilecache> tree as decoded from XML. Values stay as
// text until post-config so the parse stage only checks structure.
type document struct {
	XMLName   xml.Name         `xml:"tilecache"`
	Templates string           `xml:"templates"`
	Grids     []gridElement    `xml:"grid"`
	Sources   []sourceElement  `xml:"source"`
	Caches    []cacheElement   `xml:"cache"`
	Formats   []formatElement  `xml:"format"`
	Tilesets  []tilesetElement `xml:"tileset"`
	Services  []serviceElement `xml:"service"`
}

type gridElement struct {
	Name        string `xml:"name,attr"`
	SRS         string `xml:"srs"`
	Extent      string `xml:"extent"`
	Size        string `xml:"size"`
	Resolutions string `xml:"resolutions"`
	Units       string `xml:"units"`
}

type sourceElement struct {
	Name    string `xml:"name,attr"`
	Type    string `xml:"type,attr"`
	Color   string `xml:"color"`
	URL     string `xml:"url"`
	Layers  string `xml:"layers"`
	Format  string `xml:"format"`
	Timeout string `xml:"timeout"`
}

type cacheElement struct {
	Name      string          `xml:"name,attr"`
	Type      string          `xml:"type,attr"`
	TTL       string          `xml:"ttl"`
	Base      string          `xml:"base"`
	Address   string          `xml:"address"`
	Username  string          `xml:"username"`
	Password  string          `xml:"password"`
	DB        string          `xml:"db"`
	Namespace string          `xml:"namespace"`
	TLS       *cacheTLSConfig `xml:"tls"`
}

type cacheTLSConfig struct {
	CAFile string `xml:"ca"`
}

type formatElement struct {
	Name    string `xml:"name,attr"`
	Type    string `xml:"type,attr"`
	Quality string `xml:"quality"`
}

type tilesetElement struct {
	Name        string          `xml:"name,attr"`
	Source      string          `xml:"source"`
	Cache       string          `xml:"cache"`
	Grids       []string        `xml:"grid"`
	Format      string          `xml:"format"`
	Expires     string          `xml:"expires"`
	Guard       string          `xml:"guard"`
	InfoFormats string          `xml:"info_formats"`
	Metadata    metadataElement `xml:"metadata"`
}

type metadataElement struct {
	Title    string `xml:"title"`
	Abstract string `xml:"abstract"`
}

type serviceElement struct {
	Type    string `xml:"type,attr"`
	Enabled string `xml:"enabled,attr"`
	// Format is the default image format for WMS GetMap.
	Format string `xml:"format"`
}
