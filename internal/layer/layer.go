// Package layer holds the catalog of cacheable datasets. Each layer is one
// cache namespace: a dataset from one national agency, limited to that
// agency's jurisdiction.
package layer

import (
	"errors"
	"fmt"

	"github.com/jaennil/guide_helper/features/internal/provider"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/paulmach/orb"
)

var (
	ErrUnknownLayer   = errors.New("unknown layer")
	ErrDuplicateLayer = errors.New("duplicate layer namespace")
)

type Layer struct {
	Namespace string
	Title     string
	Country   string
	// Jurisdiction bounds the tiles worth requesting.
	Jurisdiction orb.Bound
	// Exclude drops tiles lying entirely inside any of these bounds.
	Exclude  []orb.Bound
	Endpoint provider.Endpoint
}

// Strategy returns the tiles covering extent that this layer should load.
func (l Layer) Strategy(extent orb.Bound) []grid.Tile {
	all := grid.Partition(extent)

	tiles := all[:0]
	for _, t := range all {
		if l.Wants(t) {
			tiles = append(tiles, t)
		}
	}
	return tiles
}

// Wants reports whether t intersects the jurisdiction and is not excluded.
func (l Layer) Wants(t grid.Tile) bool {
	b := t.Bound()
	if !l.Jurisdiction.Intersects(b) {
		return false
	}
	for _, ex := range l.Exclude {
		if containsBound(ex, b) {
			return false
		}
	}
	return true
}

func containsBound(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && outer.Min[1] <= inner.Min[1] &&
		outer.Max[0] >= inner.Max[0] && outer.Max[1] >= inner.Max[1]
}

type Catalog struct {
	layers []Layer
	index  map[string]int
}

func NewCatalog(layers ...Layer) (*Catalog, error) {
	c := &Catalog{
		layers: make([]Layer, 0, len(layers)),
		index:  make(map[string]int, len(layers)),
	}

	for _, l := range layers {
		if _, ok := c.index[l.Namespace]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLayer, l.Namespace)
		}
		c.index[l.Namespace] = len(c.layers)
		c.layers = append(c.layers, l)
	}

	return c, nil
}

// Enable returns a catalog restricted to namespaces, in catalog order. An
// empty list keeps every layer.
func (c *Catalog) Enable(namespaces []string) (*Catalog, error) {
	if len(namespaces) == 0 {
		return c, nil
	}

	want := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		if _, ok := c.index[ns]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, ns)
		}
		want[ns] = true
	}

	var enabled []Layer
	for _, l := range c.layers {
		if want[l.Namespace] {
			enabled = append(enabled, l)
		}
	}

	return NewCatalog(enabled...)
}

func (c *Catalog) Get(namespace string) (Layer, bool) {
	i, ok := c.index[namespace]
	if !ok {
		return Layer{}, false
	}
	return c.layers[i], true
}

func (c *Catalog) Layers() []Layer {
	out := make([]Layer, len(c.layers))
	copy(out, c.layers)
	return out
}
