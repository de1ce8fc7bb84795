// Package catalog holds the immutable registry of configured providers.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

var ErrInvalidProviderConfig = errors.New("invalid provider config")

const defaultTimeout = 30 * time.Second

// Entry is one configured provider. Entries are values; accessors hand out
// copies so a Catalog cannot be mutated after Load.
type Entry struct {
	ID            provider.ID
	BaseURL       string
	CredentialRef string
	Priority      int
	Timeout       time.Duration
	InputCost     decimal.Decimal // USD per input token
	OutputCost    decimal.Decimal // USD per output token
	models        []string
}

func (e Entry) Models() []string {
	return append([]string(nil), e.models...)
}

func (e Entry) SupportsModel(model string) bool {
	for _, m := range e.models {
		if m == model {
			return true
		}
	}
	return false
}

// DefaultModel is the model used when a request does not name one.
func (e Entry) DefaultModel() string {
	return e.models[0]
}

func (e Entry) Cost(inputTokens, outputTokens int) decimal.Decimal {
	return e.InputCost.Mul(decimal.NewFromInt(int64(inputTokens))).
		Add(e.OutputCost.Mul(decimal.NewFromInt(int64(outputTokens))))
}

type Catalog struct {
	entries []Entry // sorted by priority, then id
}

type fileEntry struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	CredentialRef string        `yaml:"credential_ref"`
	Priority      int           `yaml:"priority"`
	Timeout       time.Duration `yaml:"timeout"`
	Models        []string      `yaml:"models"`
	InputCost     string        `yaml:"cost_per_input_token"`
	OutputCost    string        `yaml:"cost_per_output_token"`
}

type file struct {
	Providers []fileEntry `yaml:"providers"`
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrInvalidProviderConfig, path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProviderConfig, err)
	}

	entries := make([]Entry, 0, len(f.Providers))
	for i, fe := range f.Providers {
		id, err := provider.ParseID(fe.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: providers[%d]: %w", ErrInvalidProviderConfig, i, err)
		}
		in, err := parseCost(fe.InputCost)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: cost_per_input_token: %w", ErrInvalidProviderConfig, id, err)
		}
		out, err := parseCost(fe.OutputCost)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: cost_per_output_token: %w", ErrInvalidProviderConfig, id, err)
		}
		entries = append(entries, Entry{
			ID:            id,
			BaseURL:       fe.BaseURL,
			CredentialRef: fe.CredentialRef,
			Priority:      fe.Priority,
			Timeout:       fe.Timeout,
			InputCost:     in,
			OutputCost:    out,
			models:        fe.Models,
		})
	}
	return New(entries...)
}

// NewEntry is the programmatic counterpart of a catalog file row.
func NewEntry(id provider.ID, credentialRef string, priority int, models ...string) Entry {
	return Entry{
		ID:            id,
		CredentialRef: credentialRef,
		Priority:      priority,
		models:        append([]string(nil), models...),
	}
}

// New validates entries and freezes them into a Catalog.
func New(entries ...Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrInvalidProviderConfig)
	}

	seen := make(map[provider.ID]bool, len(entries))
	frozen := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, err := provider.ParseID(string(e.ID)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidProviderConfig, err)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("%w: %s configured twice", ErrInvalidProviderConfig, e.ID)
		}
		seen[e.ID] = true
		if e.CredentialRef == "" {
			return nil, fmt.Errorf("%w: %s: empty credential reference", ErrInvalidProviderConfig, e.ID)
		}
		if len(e.models) == 0 {
			return nil, fmt.Errorf("%w: %s: no supported models", ErrInvalidProviderConfig, e.ID)
		}
		for _, m := range e.models {
			if m == "" {
				return nil, fmt.Errorf("%w: %s: empty model name", ErrInvalidProviderConfig, e.ID)
			}
		}
		if e.Priority < 1 {
			return nil, fmt.Errorf("%w: %s: priority must be >= 1", ErrInvalidProviderConfig, e.ID)
		}
		if e.InputCost.IsNegative() || e.OutputCost.IsNegative() {
			return nil, fmt.Errorf("%w: %s: negative cost", ErrInvalidProviderConfig, e.ID)
		}
		if e.Timeout <= 0 {
			e.Timeout = defaultTimeout
		}
		e.models = append([]string(nil), e.models...)
		frozen = append(frozen, e)
	}

	sort.SliceStable(frozen, func(i, j int) bool {
		if frozen[i].Priority != frozen[j].Priority {
			return frozen[i].Priority < frozen[j].Priority
		}
		return frozen[i].ID < frozen[j].ID
	})

	return &Catalog{entries: frozen}, nil
}

func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

func (c *Catalog) Entry(id provider.ID) (Entry, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// EntriesFor returns the entries in allowed, by priority, with preferred moved
// to the front when it is allowed. An empty preferred keeps priority order.
func (c *Catalog) EntriesFor(allowed []provider.ID, preferred provider.ID) []Entry {
	permitted := make(map[provider.ID]bool, len(allowed))
	for _, id := range allowed {
		permitted[id] = true
	}

	out := make([]Entry, 0, len(allowed))
	for _, e := range c.entries {
		if !permitted[e.ID] {
			continue
		}
		if e.ID == preferred {
			out = append([]Entry{e}, out...)
			continue
		}
		out = append(out, e)
	}
	return out
}

func parseCost(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
