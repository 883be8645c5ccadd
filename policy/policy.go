// Package policy implements the per-module return/indirect-branch
// target allow-list tables spec.md §2 names alongside the IBT tables:
// a module-scoped set of (tag) entries recording which call-return or
// indirect-jump targets policy has already validated, so repeated
// transfers to the same target skip re-validation.
//
// A policy table is exactly a membership set keyed by Tag — no payload
// beyond presence — so it is built directly on table.Table[Tag,
// struct{}] rather than introducing a second storage algorithm.
package policy

import (
	"fmt"
	"sync"

	"github.com/fragforge/fragcache/addr"
	"github.com/fragforge/fragcache/table"
)

// Kind discriminates which transfer class a table polices.
type Kind int

const (
	KindReturn Kind = iota
	KindIndirectCall
	KindIndirectJump
)

// Table is one module's allow-list for one Kind of transfer.
type Table struct {
	Kind   Kind
	ModKey string
	inner  *table.Table[addr.Tag, struct{}]
}

// Config mirrors table.Config for policy tables.
type Config struct {
	Bits              uint
	MaxCapacityBits   uint
	LoadFactorPercent uint
}

// NewTable allocates an allow-list table for one (module, kind) pair.
func NewTable(modKey string, kind Kind, cfg Config) *Table {
	return &Table{
		Kind:   kind,
		ModKey: modKey,
		inner: table.New(table.Config[addr.Tag, struct{}]{
			Bits:              cfg.Bits,
			MaxCapacityBits:   cfg.MaxCapacityBits,
			LoadFactorPercent: cfg.LoadFactorPercent,
			Hash:              table.DefaultHash[addr.Tag],
			Flags:             table.Shared,
		}),
	}
}

// Allow records tag as a validated target. It is idempotent: adding an
// already-present tag is not an error.
func (t *Table) Allow(tag addr.Tag) {
	if err := t.inner.Add(tag, struct{}{}); err != nil {
		// Only possible error is ErrDuplicateTag, which is the expected
		// outcome of re-validating a target that's already allowed.
		_ = err
	}
}

// Allowed reports whether tag has already been validated.
func (t *Table) Allowed(tag addr.Tag) bool {
	_, ok := t.inner.Lookup(tag)
	return ok
}

// Revoke removes a previously-allowed target, e.g. when the module
// backing it is unloaded.
func (t *Table) Revoke(tag addr.Tag) bool {
	removed, _ := t.inner.Remove(tag)
	return removed
}

// Entries returns the number of allowed targets.
func (t *Table) Entries() int { return t.inner.Entries() }

// Registry indexes one Table per (module, Kind) pair, mirroring the
// per-module granularity spec.md §2 describes ("policy consults a
// per-module table before trusting an indirect transfer").
type Registry struct {
	mu     sync.RWMutex
	tables map[regKey]*Table
	cfg    Config
}

type regKey struct {
	mod  string
	kind Kind
}

// NewRegistry returns an empty per-module policy registry; cfg sizes
// each table created on demand.
func NewRegistry(cfg Config) *Registry {
	return &Registry{tables: make(map[regKey]*Table), cfg: cfg}
}

// TableFor returns (creating if necessary) the allow-list table for a
// given module and transfer kind.
func (r *Registry) TableFor(modKey string, kind Kind) *Table {
	key := regKey{modKey, kind}

	r.mu.RLock()
	t, ok := r.tables[key]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[key]; ok {
		return t
	}
	t = NewTable(modKey, kind, r.cfg)
	r.tables[key] = t
	return t
}

// DropModule removes every table associated with modKey, e.g. on
// module unload (spec.md §7 "module unload: drop the policy tables
// scoped to it along with its coarse unit").
func (r *Registry) DropModule(modKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.tables {
		if k.mod == modKey {
			delete(r.tables, k)
		}
	}
}

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindReturn:
		return "return"
	case KindIndirectCall:
		return "indirect-call"
	case KindIndirectJump:
		return "indirect-jump"
	default:
		return fmt.Sprintf("policy.Kind(%d)", int(k))
	}
}
