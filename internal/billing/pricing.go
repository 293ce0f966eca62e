package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultFallbackModel = "claude-sonnet-4-20250514"

// Price is USD per million tokens.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// PriceTable is built once at startup and never modified afterwards.
type PriceTable struct {
	prices   map[string]Price
	fallback string
}

type priceFile struct {
	Fallback string           `yaml:"fallback"`
	Models   map[string]Price `yaml:"models"`
}

func defaultPrices() map[string]Price {
	return map[string]Price{
		"claude-sonnet-4-20250514":   {3, 15},
		"claude-opus-4-20250514":     {15, 75},
		"claude-3-5-sonnet-20241022": {3, 15},
		"claude-3-5-haiku-20241022":  {0.8, 4},
		"gpt-4o":                     {2.5, 10},
		"gpt-4o-mini":                {0.15, 0.6},
		"gpt-4":                      {30, 60},
		"gpt-3.5-turbo":              {0.5, 1.5},
		"gemini-1.5-pro":             {1.25, 5},
		"gemini-1.5-flash":           {0.125, 0.375},
		"gemini-2.0-flash":           {0.1, 0.4},
		"stub-lite":                  {0, 0},
	}
}

func DefaultPriceTable() *PriceTable {
	return &PriceTable{prices: defaultPrices(), fallback: DefaultFallbackModel}
}

// NewPriceTable copies prices. fallback must name one of them.
func NewPriceTable(prices map[string]Price, fallback string) (*PriceTable, error) {
	if _, ok := prices[fallback]; !ok {
		return nil, fmt.Errorf("fallback model %q has no price", fallback)
	}
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		if v.InputPerMillion < 0 || v.OutputPerMillion < 0 {
			return nil, fmt.Errorf("negative price for model %q", k)
		}
		cp[k] = v
	}
	return &PriceTable{prices: cp, fallback: fallback}, nil
}

// LoadPriceTable reads a YAML price file. Models it lists override the
// built-in defaults.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var pf priceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	prices := defaultPrices()
	for model, p := range pf.Models {
		prices[model] = p
	}
	if pf.Fallback == "" {
		pf.Fallback = DefaultFallbackModel
	}
	return NewPriceTable(prices, pf.Fallback)
}

// Lookup returns the model's price and whether it was found. Unknown models
// get the fallback price.
func (t *PriceTable) Lookup(model string) (Price, bool) {
	if p, ok := t.prices[model]; ok {
		return p, true
	}
	return t.prices[t.fallback], false
}

func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) (float64, bool) {
	p, known := t.Lookup(model)
	cost := float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
	return cost, known
}

func (t *PriceTable) Fallback() string {
	return t.fallback
}
