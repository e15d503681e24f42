package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/tilegate/internal/tilecache"
)

const baseURL = "http://localhost:3000"

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	entries  map[string]int64
}

func (r *recordingObserver) ObserveTileCacheEntries(cache string, entries int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]int64)
	}
	r.entries[cache] = entries
}

func (r *recordingObserver) entryCount(cache string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.entries[cache]
	return n, ok
}

func (r *recordingObserver) ObserveTileCache(tileset, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, tileset+":"+outcome)
}

func (r *recordingObserver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func load(t *testing.T, path string, opts ...Option) *tilecache.Service {
	t.Helper()
	svc, err := tilecache.NewLoader(New(opts...)).Load(path, nil).Wait(waitCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func loadErr(t *testing.T, path string) error {
	t.Helper()
	svc, err := tilecache.NewLoader(New()).Load(path, nil).Wait(waitCtx(t))
	require.Nil(t, svc)
	require.Error(t, err)
	return err
}

func get(t *testing.T, svc *tilecache.Service, base, pathInfo, query string) *tilecache.Response {
	t.Helper()
	resp, err := svc.Get(base, pathInfo, query).Wait(waitCtx(t))
	require.NoError(t, err)
	return resp
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tilecache.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func fixture() string { return filepath.Join("testdata", "good.xml") }

func TestWMSRequestWithoutRequestParameter(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/", "LAYERS=test&SERVICE=WMS")

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, map[string][]string{"Content-Type": {"application/vnd.ogc.se_xml"}}, resp.Header.Map())
	require.True(t, bytes.HasPrefix(resp.Body, []byte("<?xml")))
	require.Contains(t, string(resp.Body), "ServiceExceptionReport")
	require.Nil(t, resp.LastModified)
}

func TestWMSGetCapabilities(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/", "SERVICE=WMS&REQUEST=GetCapabilities")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string][]string{"Content-Type": {"text/xml"}}, resp.Header.Map())
	require.True(t, bytes.HasPrefix(resp.Body, []byte("<?xml")))
	body := string(resp.Body)
	require.Contains(t, body, "<Name>test</Name>")
	require.Contains(t, body, "<Title>Test layer</Title>")
	require.Contains(t, body, "EPSG:3857")
	require.Contains(t, body, `xlink:href="http://localhost:3000/?"`)
	require.Contains(t, body, "<Format>application/json</Format>")
	require.Nil(t, resp.LastModified)

	again := get(t, svc, baseURL, "/wms", "service=wms&request=getcapabilities")
	require.Equal(t, resp.StatusCode, again.StatusCode)
	require.Equal(t, resp.ContentType(), again.ContentType())
}

func TestWMSGetMap(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/",
		"SERVICE=WMS&REQUEST=GetMap&VERSION=1.1.1&SRS=EPSG%3A4326&BBOX=-180,-90,180,90&WIDTH=400&HEIGHT=400&LAYERS=test")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"image/jpeg"}, resp.Header.Values("Content-Type"))
	require.True(t, resp.Header.Has("Cache-Control"))
	require.True(t, resp.Header.Has("Expires"))
	require.NotNil(t, resp.LastModified)
	require.NotEmpty(t, resp.Body)

	img, err := jpeg.Decode(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 400, 400), img.Bounds())
}

func TestWMSGetMapVariants(t *testing.T) {
	svc := load(t, fixture())
	tests := []struct {
		name        string
		query       string
		status      int
		contentType string
	}{
		{
			name:        "explicit png",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=0,0,90,45&WIDTH=256&HEIGHT=128&LAYERS=test&FORMAT=image/png",
			status:      http.StatusOK,
			contentType: "image/png",
		},
		{
			name:        "mercator grid",
			query:       "REQUEST=GetMap&SRS=EPSG:3857&BBOX=-20037508.34,-20037508.34,20037508.34,20037508.34&WIDTH=256&HEIGHT=256&LAYERS=test",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "wms 1.3.0 axis order",
			query:       "REQUEST=GetMap&VERSION=1.3.0&CRS=EPSG:4326&BBOX=-90,-180,90,180&WIDTH=200&HEIGHT=100&LAYERS=test",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "two layers",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=100&HEIGHT=50&LAYERS=test,guarded",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "unknown layer",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=100&HEIGHT=100&LAYERS=nope",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "unsupported srs",
			query:       "REQUEST=GetMap&SRS=EPSG:2154&BBOX=0,0,10,10&WIDTH=100&HEIGHT=100&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "bad bbox",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=10,10,0,0&WIDTH=100&HEIGHT=100&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "oversized",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=9000&HEIGHT=100&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "unknown format",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=100&HEIGHT=100&LAYERS=test&FORMAT=image/gif",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "bbox partly outside the grid",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=90,0,270,90&WIDTH=200&HEIGHT=100&LAYERS=test",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "bbox outside the grid",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=200,100,300,150&WIDTH=100&HEIGHT=50&LAYERS=test",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "extreme bbox",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-1e300,-1e300,1e300,1e300&WIDTH=1&HEIGHT=1&LAYERS=test",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "extreme bbox on every layer",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-1e300,-1e300,1e300,1e300&WIDTH=64&HEIGHT=64&LAYERS=test,guarded",
			status:      http.StatusOK,
			contentType: "image/jpeg",
		},
		{
			name:        "infinite bbox",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-Inf,-Inf,Inf,Inf&WIDTH=1&HEIGHT=1&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "nan bbox",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=NaN,0,10,10&WIDTH=1&HEIGHT=1&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "bbox width overflows",
			query:       "REQUEST=GetMap&SRS=EPSG:4326&BBOX=-1.7e308,0,1.7e308,10&WIDTH=1&HEIGHT=1&LAYERS=test",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
		{
			name:        "unknown request",
			query:       "REQUEST=GetLegendGraphic",
			status:      http.StatusBadRequest,
			contentType: "application/vnd.ogc.se_xml",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := get(t, svc, baseURL, "/", tc.query)
			require.Equal(t, tc.status, resp.StatusCode, string(resp.Body))
			require.Equal(t, tc.contentType, resp.ContentType())
			if tc.status != http.StatusOK {
				require.Nil(t, resp.LastModified)
			}
		})
	}
}

func TestWMSGetMapClipsToGrid(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/",
		"REQUEST=GetMap&SRS=EPSG:4326&BBOX=90,0,270,90&WIDTH=200&HEIGHT=100&LAYERS=test&FORMAT=image/png")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))

	img, err := png.Decode(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	_, _, _, inside := img.At(50, 50).RGBA()
	require.Equal(t, uint32(0xffff), inside)
	_, _, _, outside := img.At(150, 50).RGBA()
	require.Zero(t, outside)
}

func TestWMSGetFeatureInfo(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/",
		"REQUEST=GetFeatureInfo&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=360&HEIGHT=180&LAYERS=test&QUERY_LAYERS=test&X=180&Y=90&INFO_FORMAT=application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.ContentType())
	require.Nil(t, resp.LastModified)

	var info map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &info))
	require.Equal(t, "test", info["layer"])
	require.InDelta(t, 0.5, info["x"], 1e-9)
	require.InDelta(t, -0.5, info["y"], 1e-9)

	resp = get(t, svc, baseURL, "/",
		"REQUEST=GetFeatureInfo&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=360&HEIGHT=180&QUERY_LAYERS=guarded&X=1&Y=1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(resp.Body), "does not support feature info")

	resp = get(t, svc, baseURL, "/",
		"REQUEST=GetFeatureInfo&SRS=EPSG:4326&BBOX=-180,-90,180,90&WIDTH=360&HEIGHT=180&QUERY_LAYERS=test&X=400&Y=1")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTMSUnknownVersion(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL+"/", "/tms/1.0.1", "")

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, map[string][]string{"Content-Type": {"text/plain"}}, resp.Header.Map())
	require.NotEmpty(t, resp.Body)
	require.Nil(t, resp.LastModified)
}

func TestTMSServiceDocument(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL+"/", "/tms/1.0.0", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string][]string{"Content-Type": {"text/xml"}}, resp.Header.Map())
	require.True(t, bytes.HasPrefix(resp.Body, []byte("<TileMapService")))
	require.Contains(t, string(resp.Body), `href="http://localhost:3000/tms/1.0.0/test@WGS84/"`)
	require.Contains(t, string(resp.Body), `profile="global-mercator"`)
}

func TestTMSTileMapDocument(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/tms/1.0.0/test@WGS84", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(resp.Body)
	require.True(t, strings.HasPrefix(body, "<?xml"))
	require.Contains(t, body, `<TileSet href="http://localhost:3000/tms/1.0.0/test@WGS84/0" units-per-pixel="0.703125" order="0"/>`)
	require.Contains(t, body, `mime-type="image/png"`)

	resp = get(t, svc, baseURL, "/tms/1.0.0/test", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, string(resp.Body), "several grids")

	resp = get(t, svc, baseURL, "/tms/1.0.0/guarded", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTMSTile(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/tms/1.0.0/test@WGS84/0/0/0.png", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.Header.Has("Cache-Control"))
	require.True(t, resp.Header.Has("Expires"))
	require.Equal(t, []string{"image/png"}, resp.Header.Values("Content-Type"))
	require.Equal(t, "max-age=3600", resp.Header.Get("Cache-Control"))
	require.NotEmpty(t, resp.Header.Get("ETag"))
	require.NotNil(t, resp.LastModified)

	img, err := png.Decode(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestTMSTileErrors(t *testing.T) {
	svc := load(t, fixture())
	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "outside grid", path: "/tms/1.0.0/test@WGS84/0/5/0.png", status: http.StatusNotFound},
		{name: "level too deep", path: "/tms/1.0.0/test@WGS84/40/0/0.png", status: http.StatusNotFound},
		{name: "not a number", path: "/tms/1.0.0/test@WGS84/a/0/0.png", status: http.StatusBadRequest},
		{name: "bad extension", path: "/tms/1.0.0/test@WGS84/0/0/0.gif", status: http.StatusBadRequest},
		{name: "unknown tileset", path: "/tms/1.0.0/other@WGS84/0/0/0.png", status: http.StatusNotFound},
		{name: "unknown grid", path: "/tms/1.0.0/guarded@GoogleMapsCompatible/0/0/0.png", status: http.StatusNotFound},
		{name: "guard refuses", path: "/tms/1.0.0/guarded@WGS84/2/0/0.png", status: http.StatusForbidden},
		{name: "no version", path: "/tms", status: http.StatusNotFound},
		{name: "too deep", path: "/tms/1.0.0/test@WGS84/0/0", status: http.StatusNotFound},
		{name: "unknown service", path: "/wmts/1.0.0", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := get(t, svc, baseURL, tc.path, "")
			require.Equal(t, tc.status, resp.StatusCode, string(resp.Body))
			require.Equal(t, map[string][]string{"Content-Type": {"text/plain"}}, resp.Header.Map())
			require.Nil(t, resp.LastModified)
		})
	}

	resp := get(t, svc, baseURL, "/tms/1.0.0/guarded/1/0/0.png", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKMLUnknownResource(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL+"/", "/kml/foo", "")

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, map[string][]string{"Content-Type": {"text/plain"}}, resp.Header.Map())
	require.NotEmpty(t, resp.Body)
	require.Nil(t, resp.LastModified)
}

func TestKMLOverlay(t *testing.T) {
	svc := load(t, fixture())
	resp := get(t, svc, baseURL, "/kml/test@WGS84/0/0/0.kml", "")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"application/vnd.google-earth.kml+xml"}, resp.Header.Values("Content-Type"))
	require.True(t, bytes.HasPrefix(resp.Body, []byte("<?xml")))
	require.Nil(t, resp.LastModified)

	body := string(resp.Body)
	require.Contains(t, body, "<west>-180</west>")
	require.Contains(t, body, "<east>0</east>")
	require.Contains(t, body, "http://localhost:3000/kml/test@WGS84/0/0/0.png")
	require.Equal(t, 4, strings.Count(body, "<NetworkLink>"))
	require.Contains(t, body, "http://localhost:3000/kml/test@WGS84/1/1/1.kml")

	img := get(t, svc, baseURL, "/kml/test@WGS84/0/0/0.png", "")
	require.Equal(t, http.StatusOK, img.StatusCode)
	require.Equal(t, "image/png", img.ContentType())

	merc := get(t, svc, baseURL, "/kml/test@GoogleMapsCompatible/0/0/0.kml", "")
	require.Equal(t, http.StatusBadRequest, merc.StatusCode)
}

func TestTileCacheHitAfterMiss(t *testing.T) {
	obs := &recordingObserver{}
	svc := load(t, fixture(), WithObserver(obs))

	first := get(t, svc, baseURL, "/tms/1.0.0/test@WGS84/1/1/0.png", "")
	second := get(t, svc, baseURL, "/tms/1.0.0/test@WGS84/1/1/0.png", "")
	require.Equal(t, first.Body, second.Body)
	require.Equal(t, first.Header.Get("ETag"), second.Header.Get("ETag"))
	require.True(t, first.LastModified.Equal(*second.LastModified))
	require.Equal(t, []string{"test:miss", "test:hit"}, obs.snapshot())
}

func TestFixedClockDrivesHeaders(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	svc := load(t, fixture(), WithClock(func() time.Time { return now }))

	resp := get(t, svc, baseURL, "/tms/1.0.0/test@WGS84/0/1/0.png", "")
	require.Equal(t, "Mon, 06 May 2024 07:08:09 GMT", resp.Header.Get("Last-Modified"))
	require.Equal(t, "Mon, 06 May 2024 08:08:09 GMT", resp.Header.Get("Expires"))
	require.True(t, now.Equal(*resp.LastModified))
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		err := loadErr(t, filepath.Join(t.TempDir(), "absent.xml"))
		require.ErrorIs(t, err, tilecache.ErrConfigParse)
		require.ErrorIs(t, err, fs.ErrNotExist)
		require.True(t, strings.HasPrefix(err.Error(), "failed to parse"))
	})
	t.Run("malformed xml", func(t *testing.T) {
		err := loadErr(t, filepath.Join("testdata", "malformed.xml"))
		require.ErrorIs(t, err, tilecache.ErrConfigParse)
		require.True(t, strings.HasPrefix(err.Error(), "failed to parse"))
	})
	t.Run("unresolved source", func(t *testing.T) {
		err := loadErr(t, filepath.Join("testdata", "unresolved.xml"))
		require.ErrorIs(t, err, tilecache.ErrConfigValidation)
		require.True(t, strings.HasPrefix(err.Error(), "post-config failed for"))
		require.Contains(t, err.Error(), `unknown source "missing"`)
	})
}

func TestParseStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want string
	}{
		{name: "wrong root", xml: `<mapcache/>`, want: "expected element type <tilecache>"},
		{name: "unnamed grid", xml: `<tilecache><grid/></tilecache>`, want: "<grid> is missing its name attribute"},
		{name: "untyped source", xml: `<tilecache><source name="a"/></tilecache>`, want: `source "a" is missing its type attribute`},
		{name: "duplicate tileset", xml: `<tilecache><tileset name="a"/><tileset name="a"/></tilecache>`, want: `duplicate tileset "a"`},
		{name: "unknown service", xml: `<tilecache><service type="wmts"/></tilecache>`, want: `unknown service type "wmts"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := loadErr(t, writeConfig(t, tc.xml))
			require.ErrorIs(t, err, tilecache.ErrConfigParse)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestPostConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want string
	}{
		{name: "no tilesets", xml: `<tilecache/>`, want: "no tilesets configured"},
		{
			name: "unknown grid",
			xml:  `<tilecache><source name="s" type="synthetic"/><tileset name="t"><source>s</source><grid>nope</grid></tileset></tilecache>`,
			want: `unknown grid "nope"`,
		},
		{
			name: "bad guard",
			xml:  `<tilecache><source name="s" type="synthetic"/><tileset name="t"><source>s</source><grid>WGS84</grid><guard>tile.z +</guard></tileset></tilecache>`,
			want: `tileset "t" guard`,
		},
		{
			name: "bad grid",
			xml:  `<tilecache><grid name="g"><srs>EPSG:2154</srs><extent>0 0 10 10</extent><resolutions>1 2</resolutions></grid></tilecache>`,
			want: "resolutions must decrease",
		},
		{
			name: "unreachable redis",
			xml:  `<tilecache><cache name="r" type="redis"><address>127.0.0.1:1</address></cache></tilecache>`,
			want: `cache "r"`,
		},
		{
			name: "unknown source type",
			xml:  `<tilecache><source name="s" type="mapnik"/></tilecache>`,
			want: `unsupported type "mapnik"`,
		},
		{
			name: "info formats on wms source",
			xml:  `<tilecache><source name="s" type="wms"><url>http://upstream.invalid/wms</url><layers>a</layers></source><tileset name="t"><source>s</source><grid>WGS84</grid><info_formats>text/plain</info_formats></tileset></tilecache>`,
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.xml)
			svc, err := tilecache.NewLoader(New()).Load(path, nil).Wait(waitCtx(t))
			if tc.want == "" {
				require.NoError(t, err)
				_ = svc.Close(context.Background())
				return
			}
			require.ErrorIs(t, err, tilecache.ErrConfigValidation)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDisabledService(t *testing.T) {
	path := writeConfig(t, `<tilecache>
  <source name="s" type="synthetic"/>
  <tileset name="t"><source>s</source><grid>WGS84</grid></tileset>
  <service type="kml" enabled="false"/>
</tilecache>`)
	svc := load(t, path)
	resp := get(t, svc, baseURL, "/kml/t/0/0/0.kml", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, svc, baseURL, "/tms/1.0.0/t/0/0/0.png", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiskCacheBackend(t *testing.T) {
	path := writeConfig(t, `<tilecache>
  <source name="s" type="synthetic"/>
  <cache name="disk" type="disk"><base>tiles</base></cache>
  <tileset name="t"><source>s</source><cache>disk</cache><grid>WGS84</grid></tileset>
</tilecache>`)
	svc := load(t, path)
	resp := get(t, svc, baseURL, "/tms/1.0.0/t/0/0/0.png", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := os.Stat(filepath.Join(filepath.Dir(path), "tiles", "t", "WGS84", "PNG", "0", "0", "0.tile"))
	require.NoError(t, err)
}

func TestReloadDropsTilesOfChangedTilesets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tilecache.xml")
	write := func(color string) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, []byte(`<tilecache>
  <source name="s" type="synthetic"><color>`+color+`</color></source>
  <source name="fixed" type="synthetic"><color>#00ff00</color></source>
  <cache name="disk" type="disk"><base>tiles</base></cache>
  <tileset name="t"><source>s</source><cache>disk</cache><grid>WGS84</grid></tileset>
  <tileset name="keep"><source>fixed</source><cache>disk</cache><grid>WGS84</grid></tileset>
</tilecache>`), 0o600))
	}
	obs := &recordingObserver{}
	loader := tilecache.NewLoader(New(WithObserver(obs)))
	cycle := func() {
		t.Helper()
		svc, err := loader.Load(path, nil).Wait(waitCtx(t))
		require.NoError(t, err)
		defer func() { _ = svc.Close(context.Background()) }()
		get(t, svc, baseURL, "/tms/1.0.0/t/0/0/0.png", "")
		get(t, svc, baseURL, "/tms/1.0.0/keep/0/0/0.png", "")
	}

	write("#ff0000")
	cycle()
	n, ok := obs.entryCount("disk")
	require.True(t, ok)
	require.Zero(t, n)

	cycle()
	n, _ = obs.entryCount("disk")
	require.Equal(t, int64(2), n)

	write("#0000ff")
	cycle()
	n, _ = obs.entryCount("disk")
	require.Equal(t, int64(1), n)

	require.Equal(t, []string{
		"t:miss", "keep:miss",
		"t:hit", "keep:hit",
		"t:miss", "keep:hit",
	}, obs.snapshot())
}

func TestRedisCacheBackend(t *testing.T) {
	srv := miniredis.RunT(t)
	path := writeConfig(t, `<tilecache>
  <source name="s" type="synthetic"/>
  <cache name="r" type="redis"><address>`+srv.Addr()+`</address><namespace>tiles:</namespace><ttl>60</ttl></cache>
  <tileset name="t"><source>s</source><cache>r</cache><grid>WGS84</grid></tileset>
</tilecache>`)
	obs := &recordingObserver{}
	svc := load(t, path, WithObserver(obs))

	get(t, svc, baseURL, "/tms/1.0.0/t/0/0/0.png", "")
	require.True(t, srv.Exists("tiles:t/WGS84/PNG/0/0/0"))
	get(t, svc, baseURL, "/tms/1.0.0/t/0/0/0.png", "")
	require.Equal(t, []string{"t:miss", "t:hit"}, obs.snapshot())
}

func TestTemplateOverride(t *testing.T) {
	path := writeConfig(t, `<tilecache>
  <templates>overrides</templates>
  <source name="s" type="synthetic"/>
  <tileset name="t"><source>s</source><grid>WGS84</grid></tileset>
</tilecache>`)
	dir := filepath.Join(filepath.Dir(path), "overrides")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tms_service.xml.tmpl"),
		[]byte(`<TileMapService custom="yes">{{ range .TileMaps }}{{ .Href }}{{ end }}</TileMapService>`), 0o600))

	svc := load(t, path)
	resp := get(t, svc, baseURL, "/tms/1.0.0", "")
	require.Equal(t, `<TileMapService custom="yes">http://localhost:3000/tms/1.0.0/t@WGS84/</TileMapService>`, string(resp.Body))
}

func TestMissingTemplateDirectoryFailsPostConfig(t *testing.T) {
	path := writeConfig(t, `<tilecache>
  <templates>absent</templates>
  <source name="s" type="synthetic"/>
  <tileset name="t"><source>s</source><grid>WGS84</grid></tileset>
</tilecache>`)
	err := loadErr(t, path)
	require.ErrorIs(t, err, tilecache.ErrConfigValidation)
}

func TestEngineLogEventsReachSink(t *testing.T) {
	var (
		mu     sync.Mutex
		events []tilecache.Level
	)
	sink := tilecache.SinkFunc(func(level tilecache.Level, _ string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, level)
	})
	svc, err := tilecache.NewLoader(New()).Load(fixture(), sink).Wait(waitCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	get(t, svc, baseURL, "/", "SERVICE=WMS")
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, events, tilecache.LevelDebug)
	require.Contains(t, events, tilecache.LevelInfo)
}

func TestMalformedQueryIsLoggedAndServed(t *testing.T) {
	var (
		mu    sync.Mutex
		debug []string
	)
	sink := tilecache.SinkFunc(func(level tilecache.Level, msg string) {
		if level != tilecache.LevelDebug {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		debug = append(debug, msg)
	})
	svc, err := tilecache.NewLoader(New()).Load(fixture(), sink).Wait(waitCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	resp := get(t, svc, baseURL, "/", "SERVICE=WMS&REQUEST=GetCapabilities&junk=%zz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<Name>test</Name>")

	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, msg := range debug {
		if strings.Contains(msg, "malformed query string") && strings.Contains(msg, "%zz") {
			found = true
		}
	}
	require.True(t, found, "debug events: %v", debug)
}

func TestParseParams(t *testing.T) {
	q, err := parseParams("service=wms&Request=GetMap&request=ignored")
	require.NoError(t, err)
	require.Equal(t, "wms", q.get("SERVICE"))
	require.NotEmpty(t, q.get("REQUEST"))

	q, err = parseParams("LAYERS=test&bad=%zz")
	require.Error(t, err)
	require.Equal(t, "test", q.get("LAYERS"))
	require.Empty(t, q.get("BAD"))
}

func TestEngineRuntimeFailureIsRuntimeError(t *testing.T) {
	upstream := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	path := writeConfig(t, `<tilecache>
  <source name="up" type="wms"><url>http://upstream.invalid/wms</url><layers>base</layers></source>
  <tileset name="t"><source>up</source><grid>WGS84</grid></tileset>
</tilecache>`)
	svc := load(t, path, WithHTTPClient(upstream))

	_, err := svc.Get(baseURL, "/tms/1.0.0/t/0/0/0.png", "").Wait(waitCtx(t))
	require.ErrorIs(t, err, tilecache.ErrRuntime)
	require.Contains(t, err.Error(), "connection refused")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
