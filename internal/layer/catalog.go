package layer

import (
	"github.com/jaennil/guide_helper/features/internal/provider"
	"github.com/paulmach/orb"
)

// Country extents in EPSG:27700, from the ONS min/max county boundaries.
var (
	England  = orb.Bound{Min: orb.Point{91265, 9027}, Max: orb.Point{661909, 609134}}
	Scotland = orb.Bound{Min: orb.Point{102940, 578163}, Max: orb.Point{439980, 1189130}}
	Wales    = orb.Bound{Min: orb.Point{197946, 172591}, Max: orb.Point{340152, 379806}}
)

const (
	naturalEngland = "https://services.arcgis.com/JJzESW51TqeY9uat/ArcGIS/rest/services/"
	natureScot     = "https://ogc.nature.scot/geoserver/protectedareas/wfs?service=wfs&typeName="
	datamapWales   = "https://datamap.gov.wales/geoserver/wfs?service=wfs&typeName="
)

type dataset struct {
	code     string
	title    string
	england  string
	scotland string
	wales    string
}

var datasets = []dataset{
	{code: "SSSI", title: "Sites of Special Scientific Interest", england: "SSSI_England", scotland: "protectedareas:sssi", wales: "inspire-nrw:NRW_SSSI"},
	{code: "SAC", title: "Special Areas of Conservation", england: "Special_Areas_of_Conservation_England", scotland: "protectedareas:sac", wales: "inspire-nrw:NRW_SAC"},
	{code: "SPA", title: "Special Protection Areas", england: "Special_Protection_Areas_England", scotland: "protectedareas:spa", wales: "inspire-nrw:NRW_SPA"},
	{code: "NNR", title: "National Nature Reserves", england: "National_Nature_Reserves_England", scotland: "protectedareas:nnr", wales: "inspire-nrw:NRW_NNR"},
	{code: "CPK", title: "Country Parks", england: "Country_Parks_England", scotland: "protectedareas:cpk", wales: "geonode:country_parks"},
	{code: "AONB", title: "Areas of Outstanding Natural Beauty", england: "Areas_of_Outstanding_Natural_Beauty_England", wales: "inspire-nrw:NRW_AONB"},
	{code: "NP", title: "National Parks", england: "National_Parks_England", wales: "inspire-nrw:NRW_NATIONAL_PARK"},
}

// Default returns every known layer.
func Default() []Layer {
	var layers []Layer

	for _, d := range datasets {
		if d.england != "" {
			layers = append(layers, Layer{
				Namespace:    d.code + "-GB-ENG",
				Title:        d.title,
				Country:      "England",
				Jurisdiction: England,
				Exclude:      []orb.Bound{Wales},
				Endpoint: provider.Endpoint{
					Kind: provider.KindArcGIS,
					URL:  naturalEngland + d.england + "/FeatureServer/0/query?",
				},
			})
		}
		if d.scotland != "" {
			layers = append(layers, Layer{
				Namespace:    d.code + "-GB-SCT",
				Title:        d.title,
				Country:      "Scotland",
				Jurisdiction: Scotland,
				Endpoint: provider.Endpoint{
					Kind: provider.KindWFS,
					URL:  natureScot + d.scotland + "&",
				},
			})
		}
		if d.wales != "" {
			layers = append(layers, Layer{
				Namespace:    d.code + "-GB-WLS",
				Title:        d.title,
				Country:      "Wales",
				Jurisdiction: Wales,
				Endpoint: provider.Endpoint{
					Kind: provider.KindWFS,
					URL:  datamapWales + d.wales + "&",
				},
			})
		}
	}

	layers = append(layers, Layer{
		Namespace:    "RSPB-GB",
		Title:        "RSPB Reserves",
		Country:      "Great Britain",
		Jurisdiction: England.Union(Scotland).Union(Wales),
		Endpoint: provider.Endpoint{
			Kind:      provider.KindArcGIS,
			URL:       "https://services1.arcgis.com/h1C9f6qsGKmqXsVs/ArcGIS/rest/services/RSPB_Public_Reserves/FeatureServer/0/query?",
			Where:     "Access='Publicised Reserve'",
			OutFields: "OBJECTID,Name",
		},
	})

	return layers
}

// DefaultCatalog returns a catalog of Default layers.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(Default()...)
	if err != nil {
		panic(err)
	}
	return c
}
