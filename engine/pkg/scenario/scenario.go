package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrInvalidScenario = errors.New("invalid scenario")
)

// ID names which agent roles participated in a transaction.
type ID string

const (
	Dual          ID = "dual"
	ExecutionOnly ID = "execution_only"
	None          ID = "none"
)

var hundred = decimal.NewFromInt(100)

// Scenario holds the share of the commission pool paid to each agent role,
// as percents of the pool. Whatever the shares leave over returns to the platform.
type Scenario struct {
	ID                ID
	ReferralSharePct  decimal.Decimal
	ExecutionSharePct decimal.Decimal
}

// New builds a validated scenario.
func New(id ID, referralSharePct, executionSharePct decimal.Decimal) (Scenario, error) {
	if strings.TrimSpace(string(id)) == "" {
		return Scenario{}, fmt.Errorf("%w: id is required", ErrInvalidScenario)
	}
	if referralSharePct.IsNegative() || executionSharePct.IsNegative() {
		return Scenario{}, fmt.Errorf("%w: %s: shares must not be negative", ErrInvalidScenario, id)
	}
	if sum := referralSharePct.Add(executionSharePct); sum.GreaterThan(hundred) {
		return Scenario{}, fmt.Errorf("%w: %s: shares sum to %s%%", ErrInvalidScenario, id, sum)
	}
	if id == None && (!referralSharePct.IsZero() || !executionSharePct.IsZero()) {
		return Scenario{}, fmt.Errorf("%w: %s: must not pay agents", ErrInvalidScenario, id)
	}
	return Scenario{
		ID:                id,
		ReferralSharePct:  referralSharePct,
		ExecutionSharePct: executionSharePct,
	}, nil
}

func (s Scenario) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                ID              `json:"id"`
		ReferralSharePct  decimal.Decimal `json:"referralSharePct"`
		ExecutionSharePct decimal.Decimal `json:"executionSharePct"`
	}{s.ID, s.ReferralSharePct, s.ExecutionSharePct})
}

// Table is an immutable set of scenarios. It is safe for concurrent use.
type Table struct {
	scenarios map[ID]Scenario
}

func NewTable(scenarios []Scenario) (*Table, error) {
	if len(scenarios) == 0 {
		return nil, errors.New("scenario table is empty")
	}
	byID := make(map[ID]Scenario, len(scenarios))
	for _, s := range scenarios {
		if _, ok := byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidScenario, s.ID)
		}
		byID[s.ID] = s
	}
	return &Table{scenarios: byID}, nil
}

func (t *Table) Resolve(id ID) (Scenario, error) {
	s, ok := t.scenarios[id]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	return s, nil
}

// Scenarios returns every scenario sorted by id.
func (t *Table) Scenarios() []Scenario {
	out := make([]Scenario, 0, len(t.scenarios))
	for _, s := range t.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

//go:embed default.yaml
var defaultTable []byte

type fileScenario struct {
	ID                string `yaml:"id"`
	ReferralSharePct  string `yaml:"referralSharePct"`
	ExecutionSharePct string `yaml:"executionSharePct"`
}

// Load reads and validates a YAML scenario table.
func Load(r io.Reader) (*Table, error) {
	var file struct {
		Scenarios []fileScenario `yaml:"scenarios"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode scenario table: %w", err)
	}

	scenarios := make([]Scenario, 0, len(file.Scenarios))
	for _, fs := range file.Scenarios {
		referral, err := parsePct(fs.ReferralSharePct)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: referralSharePct: %v", ErrInvalidScenario, fs.ID, err)
		}
		execution, err := parsePct(fs.ExecutionSharePct)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: executionSharePct: %v", ErrInvalidScenario, fs.ID, err)
		}
		s, err := New(ID(fs.ID), referral, execution)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return NewTable(scenarios)
}

func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario table: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in scenario table.
func Default() *Table {
	t, err := Load(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("scenario: invalid default table: %v", err))
	}
	return t
}

func parsePct(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
