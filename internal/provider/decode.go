package provider

import (
	stdjson "encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

// IDRule extracts a feature id, reporting false when the feature carries
// nothing usable for it.
type IDRule func(f *geojson.Feature) (string, bool)

// Property reads the id from the named attribute.
func Property(name string) IDRule {
	return func(f *geojson.Feature) (string, bool) {
		return idString(f.Properties[name])
	}
}

// FeatureID reads the GeoJSON top-level id member.
func FeatureID() IDRule {
	return func(f *geojson.Feature) (string, bool) {
		return idString(f.ID)
	}
}

// DefaultIDRules covers ArcGIS (OBJECTID), GeoServer (fid, Id), site
// reference codes and finally the GeoJSON id member.
var DefaultIDRules = []IDRule{
	Property("OBJECTID"),
	Property("fid"),
	Property("Id"),
	Property("reference"),
	FeatureID(),
}

// ExtractID applies rules in order; the first match wins.
func ExtractID(f *geojson.Feature, rules []IDRule) (string, bool) {
	for _, rule := range rules {
		if id, ok := rule(f); ok {
			return id, true
		}
	}
	return "", false
}

// zero and empty values do not identify a feature
func idString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, v != ""
	case float64:
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), v != 0
	case int64:
		return strconv.FormatInt(v, 10), v != 0
	case stdjson.Number:
		return v.String(), v != "" && v != "0"
	default:
		return "", false
	}
}

type arcgisError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses a GeoJSON feature collection and assigns every feature an
// id. Features with no id under rules get one derived from their content,
// so the same feature always maps to the same record. Features without
// geometry are dropped.
func Decode(body []byte, rules []IDRule) ([]*geojson.Feature, error) {
	var ae arcgisError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error != nil {
		return nil, fmt.Errorf("%w: %d %s", ErrProviderResponse, ae.Error.Code, ae.Error.Message)
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderResponse, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrProviderResponse, fc.Type)
	}

	if len(rules) == 0 {
		rules = DefaultIDRules
	}

	features := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}

		id, ok := ExtractID(f, rules)
		if !ok {
			id, err = derivedID(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrProviderResponse, err)
			}
		}
		f.ID = id

		features = append(features, f)
	}

	return features, nil
}

func derivedID(f *geojson.Feature) (string, error) {
	data, err := f.MarshalJSON()
	if err != nil {
		return "", err
	}
	return "derived-" + uuid.NewSHA1(uuid.NameSpaceURL, data).String(), nil
}
