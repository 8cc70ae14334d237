package usecase

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// encodeFeature serializes f as a GeoJSON feature with coordinates rounded
// to whole metres. f itself is left untouched.
func encodeFeature(f *geojson.Feature) ([]byte, error) {
	stored := *f
	if f.Geometry != nil {
		stored.Geometry = orb.Round(orb.Clone(f.Geometry), 1)
	}
	return json.Marshal(&stored)
}

func decodeFeature(payload []byte) (*geojson.Feature, error) {
	return geojson.UnmarshalFeature(payload)
}

func featureID(f *geojson.Feature) string {
	switch id := f.ID.(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func encodeFeatures(features []*geojson.Feature) ([]featurestore.Feature, error) {
	records := make([]featurestore.Feature, 0, len(features))
	for _, f := range features {
		id := featureID(f)
		if id == "" {
			return nil, errors.New("feature without id")
		}

		payload, err := encodeFeature(f)
		if err != nil {
			return nil, fmt.Errorf("encode feature %s: %w", id, err)
		}

		records = append(records, featurestore.Feature{ID: id, Payload: payload})
	}
	return records, nil
}
