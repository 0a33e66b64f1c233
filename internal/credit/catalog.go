package credit

import (
	"sort"

	"github.com/nyxel/api/internal/model"
)

// ModelSpec is a static catalog entry mapping a public model id to its
// upstream model and price.
type ModelSpec struct {
	ID            string
	Provider      model.Provider
	UpstreamModel string
	MediaType     model.MediaType
	CreditType    model.CreditType
	Cost          int  // flat cost, or cost per output when PerUnit
	PerUnit       bool // price scales with quantity
	Sync          bool // request inline results from the provider
	FreeEligible  bool
	RequiresImage bool
	MaxQuantity   int
}

// Price computes the job cost. Quantity only matters for per-unit models.
func (s ModelSpec) Price(quantity int) model.CreditCost {
	if !s.PerUnit {
		return model.CreditCost{Type: s.CreditType, Cost: s.Cost}
	}
	if quantity < 1 {
		quantity = 1
	}
	if s.MaxQuantity > 0 && quantity > s.MaxQuantity {
		quantity = s.MaxQuantity
	}
	return model.CreditCost{
		Type:     s.CreditType,
		Cost:     s.Cost * quantity,
		UnitCost: s.Cost,
		Quantity: quantity,
	}
}

// Info returns the public view of the entry
func (s ModelSpec) Info() model.ModelInfo {
	maxQ := s.MaxQuantity
	if maxQ == 0 {
		maxQ = 1
	}
	return model.ModelInfo{
		ID:            s.ID,
		Provider:      s.Provider,
		MediaType:     s.MediaType,
		CreditType:    s.CreditType,
		Cost:          s.Cost,
		PerUnit:       s.PerUnit,
		FreeEligible:  s.FreeEligible,
		RequiresImage: s.RequiresImage,
		MaxQuantity:   maxQ,
	}
}

var defaultModels = []ModelSpec{
	{
		ID: "1", Provider: model.ProviderAtlas, UpstreamModel: "black-forest-labs/flux-dev",
		MediaType: model.MediaTypeImage, CreditType: model.CreditTypeGems, Cost: 100, Sync: true,
	},
	{
		ID: "2", Provider: model.ProviderAtlas, UpstreamModel: "black-forest-labs/flux-schnell",
		MediaType: model.MediaTypeImage, CreditType: model.CreditTypeGems, Cost: 50, Sync: true, FreeEligible: true,
	},
	{
		ID: "3", Provider: model.ProviderAtlas, UpstreamModel: "kwaivgi/kling-v2.0-i2v-master",
		MediaType: model.MediaTypeVideo, CreditType: model.CreditTypeGems, Cost: 400, RequiresImage: true,
	},
	{
		ID: "4", Provider: model.ProviderAtlas, UpstreamModel: "alibaba/wan-2.1/t2v-480p",
		MediaType: model.MediaTypeVideo, CreditType: model.CreditTypeGems, Cost: 300,
	},
	{
		ID: "civitai-sdxl", Provider: model.ProviderCivitai, UpstreamModel: "urn:air:sdxl:checkpoint:civitai:101055@128078",
		MediaType: model.MediaTypeImage, CreditType: model.CreditTypeCrystals, Cost: 10, PerUnit: true, MaxQuantity: 4,
	},
	{
		ID: "civitai-sd15", Provider: model.ProviderCivitai, UpstreamModel: "urn:air:sd1:checkpoint:civitai:4201@130072",
		MediaType: model.MediaTypeImage, CreditType: model.CreditTypeCrystals, Cost: 5, PerUnit: true, MaxQuantity: 4, FreeEligible: true,
	},
}

// Catalog is an immutable model lookup table
type Catalog struct {
	byID map[string]ModelSpec
	ids  []string
}

// NewCatalog builds a catalog from the given entries
func NewCatalog(specs ...ModelSpec) *Catalog {
	c := &Catalog{byID: make(map[string]ModelSpec, len(specs))}
	for _, s := range specs {
		if _, dup := c.byID[s.ID]; !dup {
			c.ids = append(c.ids, s.ID)
		}
		c.byID[s.ID] = s
	}
	sort.Strings(c.ids)
	return c
}

// DefaultCatalog returns the built-in model table
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultModels...)
}

// Lookup finds a model by its public id
func (c *Catalog) Lookup(id string) (ModelSpec, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// List returns every entry in id order
func (c *Catalog) List() []model.ModelInfo {
	out := make([]model.ModelInfo, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.byID[id].Info())
	}
	return out
}
