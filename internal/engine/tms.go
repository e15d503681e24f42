package engine

import (
	"context"
	"net/http"
	"strings"

	"github.com/l0p7/tilegate/internal/tilecache"
)

const tmsVersion = "1.0.0"

var tileExtensions = map[string]bool{"png": true, "jpg": true, "jpeg": true}

// serveTMS handles /tms/1.0.0[/<tileset>@<grid>[/z/x/y.ext]].
func (h *Handler) serveTMS(ctx context.Context, base string, segments []string, q params) (*tilecache.RawResponse, error) {
	if len(segments) == 0 {
		return nil, notFound("tms requests need a version, this server speaks %s", tmsVersion)
	}
	if segments[0] != tmsVersion {
		return nil, notFound("unsupported tms version %s", segments[0])
	}
	root := base + "/tms/" + tmsVersion + "/"
	switch len(segments) {
	case 1:
		return h.tmsService(base, root)
	case 2:
		ts, g, err := h.tileRef(segments[1])
		if err != nil {
			return nil, err
		}
		return h.tmsTileMap(root, ts, g)
	case 5:
		ts, g, err := h.tileRef(segments[1])
		if err != nil {
			return nil, err
		}
		ys, ext, _ := strings.Cut(segments[4], ".")
		if !tileExtensions[strings.ToLower(ext)] {
			return nil, badRequest("unsupported tile extension %q", ext)
		}
		z, x, y, err := parseTileCoords(segments[2], segments[3], ys)
		if err != nil {
			return nil, err
		}
		return h.serveTile(ctx, ts, g, serviceTMS, z, x, y, q)
	default:
		return nil, notFound("unknown tms resource /%s", strings.Join(segments, "/"))
	}
}

func (h *Handler) tmsService(base, root string) (*tilecache.RawResponse, error) {
	data := tmsServiceData{Title: "tilegate tms service", RootURL: base + "/tms/"}
	for _, name := range h.order {
		ts := h.tilesets[name]
		for _, g := range ts.grids {
			data.TileMaps = append(data.TileMaps, tmsTileMapRef{
				Title:   ts.title,
				SRS:     g.SRS,
				Profile: profileOf(g),
				Href:    root + ts.name + "@" + g.Name + "/",
			})
		}
	}
	body, err := render(h.docs.tmsService, data)
	if err != nil {
		return nil, err
	}
	return docResponse(http.StatusOK, mimeXML, body), nil
}

func (h *Handler) tmsTileMap(root string, ts *tileset, g *Grid) (*tilecache.RawResponse, error) {
	href := root + ts.name + "@" + g.Name
	data := tmsTileMapData{
		ServiceURL: root,
		Title:      ts.title,
		Abstract:   ts.abstract,
		SRS:        g.SRS,
		Box:        boxOf(g.Extent),
		TileWidth:  g.TileWidth,
		TileHeight: g.TileHeight,
		MimeType:   ts.format.MimeType,
		Extension:  ts.format.Extension,
		Profile:    profileOf(g),
	}
	for z, res := range g.Resolutions {
		data.Levels = append(data.Levels, tmsLevel{
			Href:       href + "/" + itoa(z),
			Resolution: ftoa(res),
			Order:      z,
		})
	}
	body, err := render(h.docs.tmsTileMap, data)
	if err != nil {
		return nil, err
	}
	return docResponse(http.StatusOK, mimeXML, body), nil
}
