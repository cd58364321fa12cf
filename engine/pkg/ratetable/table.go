package ratetable

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTable []byte

// Table is an immutable, versioned set of commission rules keyed by asset type.
// It is safe for concurrent use.
type Table struct {
	version string
	rules   map[AssetType]Rule
}

// New builds a table from already validated rules.
func New(version string, rules []Rule) (*Table, error) {
	if version == "" {
		return nil, errors.New("rate table version is required")
	}
	if len(rules) == 0 {
		return nil, errors.New("rate table has no rules")
	}
	byType := make(map[AssetType]Rule, len(rules))
	for _, r := range rules {
		if _, ok := byType[r.AssetType]; ok {
			return nil, fmt.Errorf("%w: duplicate asset type %q", ErrInvalidRule, r.AssetType)
		}
		byType[r.AssetType] = r
	}
	return &Table{version: version, rules: byType}, nil
}

// Resolve returns the rule for the asset type. There is no implicit fallback:
// a default must be configured as an explicit rule (conventionally "other").
func (t *Table) Resolve(assetType AssetType) (Rule, error) {
	r, ok := t.rules[assetType]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownAssetType, assetType)
	}
	return r, nil
}

func (t *Table) Version() string {
	return t.version
}

// Rules returns every rule sorted by asset type.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetType < out[j].AssetType })
	return out
}

type fileTable struct {
	Version string     `yaml:"version"`
	Rules   []fileRule `yaml:"rules"`
}

type fileRule struct {
	AssetType       string `yaml:"assetType"`
	BaseRate        string `yaml:"baseRate"`
	PoolRate        string `yaml:"poolRate"`
	SettlementDelay string `yaml:"settlementDelay"`
}

// Load reads a YAML rate table and validates every rule.
func Load(r io.Reader) (*Table, error) {
	var ft fileTable
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ft); err != nil {
		return nil, fmt.Errorf("failed to decode rate table: %w", err)
	}

	rules := make([]Rule, 0, len(ft.Rules))
	for i, fr := range ft.Rules {
		base, err := decimal.NewFromString(fr.BaseRate)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: invalid baseRate %q", ErrInvalidRule, i, fr.BaseRate)
		}
		pool, err := decimal.NewFromString(fr.PoolRate)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: invalid poolRate %q", ErrInvalidRule, i, fr.PoolRate)
		}
		delay, err := ParseDelay(fr.SettlementDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, i, err)
		}
		rule, err := NewRule(AssetType(fr.AssetType), base, pool, delay)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return New(ft.Version, rules)
}

// LoadFile reads a YAML rate table from disk.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rate table: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in rate table.
func Default() *Table {
	t, err := Load(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("ratetable: invalid default table: %v", err))
	}
	return t
}
