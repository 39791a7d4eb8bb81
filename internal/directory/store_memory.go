package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	id "mutuelle/pkg/domain"
	"mutuelle/pkg/platform/sentinel"
)

// InMemory is a seedable directory for tests and single-process runs.
type InMemory struct {
	mu    sync.RWMutex
	byID  map[id.BeneficiaryID]Beneficiary
	order []id.BeneficiaryID
}

func NewInMemory(seed ...Beneficiary) *InMemory {
	d := &InMemory{byID: make(map[id.BeneficiaryID]Beneficiary)}
	for _, b := range seed {
		d.Put(b)
	}
	return d
}

// Put adds or replaces a beneficiary.
func (d *InMemory) Put(b Beneficiary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[b.ID]; !ok {
		idx, _ := slices.BinarySearch(d.order, b.ID)
		d.order = slices.Insert(d.order, idx, b.ID)
	}
	d.byID[b.ID] = b
}

func (d *InMemory) Lookup(_ context.Context, beneficiaryID id.BeneficiaryID) (*Beneficiary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.byID[beneficiaryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &b, nil
}

func (d *InMemory) List(_ context.Context, afterID id.BeneficiaryID, limit int) ([]id.BeneficiaryID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	start := 0
	if afterID != "" {
		idx, found := slices.BinarySearch(d.order, afterID)
		if found {
			idx++
		}
		start = idx
	}
	end := min(start+limit, len(d.order))
	if start >= end {
		return nil, nil
	}
	return slices.Clone(d.order[start:end]), nil
}

type seedFile struct {
	Beneficiaries []struct {
		ID         string `toml:"id"`
		EnrolledOn string `toml:"enrolled_on"`
		Category   string `toml:"category"`
	} `toml:"beneficiary"`
}

// LoadSeed reads [[beneficiary]] tables from a TOML file.
//
//	[[beneficiary]]
//	id = "MAT-0001"
//	enrolled_on = "2024-01-01"
//	category = "standard"
func LoadSeed(path string) ([]Beneficiary, error) {
	var f seedFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decode directory seed: %w", err)
	}
	out := make([]Beneficiary, 0, len(f.Beneficiaries))
	for _, raw := range f.Beneficiaries {
		bid, err := id.ParseBeneficiaryID(raw.ID)
		if err != nil {
			return nil, fmt.Errorf("seed beneficiary %q: %w", raw.ID, err)
		}
		enrolled, err := time.Parse(time.DateOnly, raw.EnrolledOn)
		if err != nil {
			return nil, fmt.Errorf("seed beneficiary %q enrolled_on: %w", raw.ID, err)
		}
		category := Category(raw.Category)
		if !category.IsValid() {
			return nil, fmt.Errorf("seed beneficiary %q: unknown category %q", raw.ID, raw.Category)
		}
		out = append(out, Beneficiary{ID: bid, EnrolledOn: enrolled, Category: category})
	}
	return out, nil
}
