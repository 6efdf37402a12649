// Package assets converts between human-readable amounts and the integer
// smallest units the vault stores, and holds named spend-policy presets.
//
// The registry is loaded from YAML:
//
//	assets:
//	  - id: USDC
//	    decimals: 6
//	presets:
//	  - name: daily-small
//	    max_per_tx: "25"
//	    total_per_period: "100"
//	    max_tx_per_period: 10
//	    period: 24h
package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// ErrInvalidAmount is returned for display amounts that do not parse or
// carry more fractional digits than the asset supports.
var ErrInvalidAmount = errors.New("assets: invalid amount")

// ErrUnknownPreset is returned when a preset name is not registered.
var ErrUnknownPreset = errors.New("assets: unknown preset")

// maxDecimals keeps at least 9,223,372 whole units of any asset within the
// vault's int64 smallest units. Tokens with more on-chain decimals are
// registered at a coarser precision (WETH at gwei).
const maxDecimals = 12

// maxExactFloat bounds base-unit amounts accepted as JSON numbers. Above it a
// float64 no longer holds every integer, so larger amounts must be strings.
const maxExactFloat = 1 << 53

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// Asset describes one fungible asset.
type Asset struct {
	ID       vault.AssetID `yaml:"id" json:"id"`
	Decimals int32         `yaml:"decimals" json:"decimals"`
}

// Preset is a named set of limits expressed in display units, applied to
// whichever asset the owner picks.
type Preset struct {
	Name           string        `yaml:"name" json:"name"`
	MaxPerTx       string        `yaml:"max_per_tx" json:"max_per_tx"`
	TotalPerPeriod string        `yaml:"total_per_period" json:"total_per_period"`
	MaxTxPerPeriod int64         `yaml:"max_tx_per_period" json:"max_tx_per_period"`
	Period         time.Duration `yaml:"period" json:"period"`
}

type file struct {
	Assets  []Asset  `yaml:"assets"`
	Presets []Preset `yaml:"presets"`
}

// Registry is an immutable set of assets and presets. It is safe for
// concurrent use.
type Registry struct {
	assets  map[vault.AssetID]Asset
	presets map[string]Preset
}

// Default returns the registry used when no file is configured.
func Default() *Registry {
	r, err := build(file{
		Assets: []Asset{
			{ID: "USDC", Decimals: 6},
			{ID: "USDT", Decimals: 6},
			{ID: "EURC", Decimals: 6},
			{ID: "WETH", Decimals: 9},
		},
		Presets: []Preset{
			{Name: "conservative", MaxPerTx: "10", TotalPerPeriod: "50", MaxTxPerPeriod: 10, Period: 24 * time.Hour},
			{Name: "standard", MaxPerTx: "100", TotalPerPeriod: "500", MaxTxPerPeriod: 50, Period: 24 * time.Hour},
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("assets: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML registry.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("assets: parse: %w", err)
	}
	return build(f)
}

func build(f file) (*Registry, error) {
	r := &Registry{
		assets:  make(map[vault.AssetID]Asset, len(f.Assets)),
		presets: make(map[string]Preset, len(f.Presets)),
	}
	for _, a := range f.Assets {
		if err := a.ID.Validate(); err != nil {
			return nil, fmt.Errorf("assets: asset %q: %w", a.ID, err)
		}
		if a.Decimals < 0 || a.Decimals > maxDecimals {
			return nil, fmt.Errorf("assets: asset %s: decimals must be in [0, %d]", a.ID, maxDecimals)
		}
		if _, dup := r.assets[a.ID]; dup {
			return nil, fmt.Errorf("assets: asset %s listed twice", a.ID)
		}
		r.assets[a.ID] = a
	}
	for _, p := range f.Presets {
		if p.Name == "" {
			return nil, errors.New("assets: preset without name")
		}
		if _, dup := r.presets[p.Name]; dup {
			return nil, fmt.Errorf("assets: preset %s listed twice", p.Name)
		}
		for _, s := range []string{p.MaxPerTx, p.TotalPerPeriod} {
			if _, err := decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("assets: preset %s: amount %q: %w", p.Name, s, err)
			}
		}
		r.presets[p.Name] = p
	}
	return r, nil
}

// Asset returns the registered asset with id.
func (r *Registry) Asset(id vault.AssetID) (Asset, bool) {
	a, ok := r.assets[id]
	return a, ok
}

// Assets lists registered assets ordered by id.
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Presets lists registered presets ordered by name.
func (r *Registry) Presets() []Preset {
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToUnits converts a display amount such as "12.5" into smallest units of
// asset. Unknown assets fail with ErrInvalidAsset, amounts beyond int64 with
// ErrAmountOverflow. Negative amounts are returned as-is for the vault to
// reject.
func (r *Registry) ToUnits(asset vault.AssetID, display string) (int64, error) {
	a, ok := r.assets[asset]
	if !ok {
		return 0, &vault.Error{Kind: vault.KindInvalidAsset, Op: "convert_amount"}
	}
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	units := d.Shift(a.Decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("%w: %s supports %d decimal places", ErrInvalidAmount, asset, a.Decimals)
	}
	if units.Abs().GreaterThan(maxUnits) {
		return 0, &vault.Error{Kind: vault.KindAmountOverflow, Op: "convert_amount"}
	}
	return units.IntPart(), nil
}

// ParseUnits reads a base-unit amount as decoded from JSON. Strings must
// hold an integer, numbers must be whole and no larger than 2^53. Amounts
// beyond int64 fail with ErrAmountOverflow.
func ParseUnits(v any) (int64, error) {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil || !d.IsInteger() {
			return 0, fmt.Errorf("%w: units %q must be an integer", ErrInvalidAmount, n)
		}
		if d.Abs().GreaterThan(maxUnits) {
			return 0, &vault.Error{Kind: vault.KindAmountOverflow, Op: "convert_amount"}
		}
		return d.IntPart(), nil
	case json.Number:
		return ParseUnits(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: units %v must be an integer", ErrInvalidAmount, n)
		}
		if math.Abs(n) > maxExactFloat {
			return 0, fmt.Errorf("%w: units %v exceed 2^53; pass them as a string", ErrInvalidAmount, n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: units must be a number or string", ErrInvalidAmount)
	}
}

// Format renders units of asset for display. Unknown assets are rendered as
// raw units.
func (r *Registry) Format(asset vault.AssetID, units int64) string {
	a, ok := r.assets[asset]
	if !ok {
		return decimal.NewFromInt(units).String()
	}
	return decimal.New(units, -a.Decimals).String()
}

// Resolve turns an API amount into smallest units. Raw units are accepted
// for any asset; display amounts need a registered asset.
func (r *Registry) Resolve(asset vault.AssetID, in model.AmountInput) (int64, error) {
	if err := in.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if in.Units != nil {
		return *in.Units, nil
	}
	return r.ToUnits(asset, in.Display)
}

// Limits expands preset name into vault limits for asset.
func (r *Registry) Limits(name string, asset vault.AssetID) (vault.Limits, error) {
	p, ok := r.presets[name]
	if !ok {
		return vault.Limits{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	perTx, err := r.ToUnits(asset, p.MaxPerTx)
	if err != nil {
		return vault.Limits{}, err
	}
	total, err := r.ToUnits(asset, p.TotalPerPeriod)
	if err != nil {
		return vault.Limits{}, err
	}
	return vault.Limits{
		MaxPerTx:       perTx,
		TotalPerPeriod: total,
		MaxTxPerPeriod: p.MaxTxPerPeriod,
		PeriodLength:   p.Period,
	}, nil
}
