// Package provider fetches protected-site boundaries from the remote map
// services (OGC WFS and ArcGIS FeatureServer) one grid tile at a time.
package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jaennil/guide_helper/features/pkg/grid"
)

type Kind string

const (
	KindWFS    Kind = "wfs"
	KindArcGIS Kind = "arcgis"
)

// Endpoint describes how to query one remote dataset.
type Endpoint struct {
	Kind Kind
	// URL is the service URL including any dataset selection query
	// parameters, ending in '?' or '&'.
	URL string
	// Where is an optional ArcGIS attribute filter.
	Where string
	// OutFields limits the ArcGIS attributes returned; empty means all.
	OutFields string
	// IDRules pick the feature id; DefaultIDRules when empty.
	IDRules []IDRule
}

// Host returns the service host, used to key rate limits and breakers.
func (e Endpoint) Host() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// RequestURL builds the GetFeature/query URL for tile, asking for GeoJSON in
// EPSG:27700.
func (e Endpoint) RequestURL(tile grid.Tile) string {
	var b strings.Builder
	b.WriteString(e.URL)

	switch e.Kind {
	case KindArcGIS:
		envelope := fmt.Sprintf(`{"xmin":%d,"xmax":%d,"ymin":%d,"ymax":%d,"spatialReference":{"wkid":27700}}`,
			tile.MinX, tile.MaxX, tile.MinY, tile.MaxY)

		outFields := e.OutFields
		if outFields == "" {
			outFields = "*"
		}

		b.WriteString("f=geojson&returnGeometry=true&spatialRel=esriSpatialRelIntersects")
		b.WriteString("&geometry=" + url.QueryEscape(envelope))
		b.WriteString("&geometryType=esriGeometryEnvelope&inSR=27700&outSR=27700")
		b.WriteString("&outFields=" + url.QueryEscape(outFields))
		if e.Where != "" {
			b.WriteString("&where=" + url.QueryEscape(e.Where))
		}
	default:
		b.WriteString("version=2.0.0&request=GetFeature&outputFormat=application/json&srsname=EPSG:27700")
		b.WriteString("&bbox=" + tile.String())
	}

	return b.String()
}

func (e Endpoint) idRules() []IDRule {
	if len(e.IDRules) == 0 {
		return DefaultIDRules
	}
	return e.IDRules
}
