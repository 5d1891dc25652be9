package territory

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

// Mapping is an immutable account -> allowed-territory table. An entry
// containing models.AllStates grants every territory. Accounts are keyed
// case-insensitively.
type Mapping struct {
	entries map[string]map[models.TerritoryTag]struct{}
}

// NewMapping builds a mapping from (account, territories) pairs. The input
// is copied; the result never mutates.
func NewMapping(pairs map[string][]models.TerritoryTag) *Mapping {
	entries := make(map[string]map[models.TerritoryTag]struct{}, len(pairs))
	for account, territories := range pairs {
		account = NormalizeAccount(account)
		if account == "" {
			continue
		}
		set := make(map[models.TerritoryTag]struct{}, len(territories))
		for _, tag := range territories {
			trimmed := models.TerritoryTag(strings.ToUpper(strings.TrimSpace(string(tag))))
			if trimmed != "" {
				set[trimmed] = struct{}{}
			}
		}
		entries[account] = set
	}
	return &Mapping{entries: entries}
}

// Lookup returns the allowed set for an account. ok is false when the
// account has no entry at all; an existing entry may still be empty.
func (m *Mapping) Lookup(account string) (map[models.TerritoryTag]struct{}, bool) {
	if m == nil {
		return nil, false
	}
	set, ok := m.entries[NormalizeAccount(account)]
	if !ok {
		return nil, false
	}
	out := make(map[models.TerritoryTag]struct{}, len(set))
	for tag := range set {
		out[tag] = struct{}{}
	}
	return out, true
}

// Visible reports whether an account may see rows tagged with tag.
func (m *Mapping) Visible(account string, tag models.TerritoryTag) bool {
	if m == nil {
		return false
	}
	set, ok := m.entries[NormalizeAccount(account)]
	if !ok {
		return false
	}
	if _, all := set[models.AllStates]; all {
		return true
	}
	_, ok = set[tag]
	return ok
}

// Accounts lists the mapped accounts in sorted order.
func (m *Mapping) Accounts() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.entries))
	for account := range m.entries {
		out = append(out, account)
	}
	sort.Strings(out)
	return out
}

// Store publishes mapping snapshots copy-on-write: writers build a fresh
// Mapping and swap the pointer, so a reader mid-evaluation never observes a
// half-updated table. Single writer, any number of readers.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Mapping]
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(NewMapping(nil))
	return s
}

// Current returns the latest published mapping.
func (s *Store) Current() *Mapping {
	return s.current.Load()
}

// Replace publishes a whole new mapping.
func (s *Store) Replace(m *Mapping) {
	if m == nil {
		m = NewMapping(nil)
	}
	s.mu.Lock()
	s.current.Store(m)
	s.mu.Unlock()
}

// Upsert publishes a copy of the current mapping with one account replaced.
func (s *Store) Upsert(account string, territories []models.TerritoryTag) {
	account = NormalizeAccount(account)
	if account == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current.Load()
	pairs := make(map[string][]models.TerritoryTag)
	if prev != nil {
		for acct, set := range prev.entries {
			tags := make([]models.TerritoryTag, 0, len(set))
			for tag := range set {
				tags = append(tags, tag)
			}
			pairs[acct] = tags
		}
	}
	pairs[account] = territories
	s.current.Store(NewMapping(pairs))
}

// Delete publishes a copy of the current mapping without the account.
func (s *Store) Delete(account string) {
	account = NormalizeAccount(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current.Load()
	if prev == nil {
		return
	}
	if _, ok := prev.entries[account]; !ok {
		return
	}
	pairs := make(map[string][]models.TerritoryTag)
	for acct, set := range prev.entries {
		if acct == account {
			continue
		}
		tags := make([]models.TerritoryTag, 0, len(set))
		for tag := range set {
			tags = append(tags, tag)
		}
		pairs[acct] = tags
	}
	s.current.Store(NewMapping(pairs))
}

// NormalizeAccount is the canonical spelling for account identifiers.
// Every mapping surface (in-memory store, database rows, cache payloads)
// must agree on it or a grant and its revocation can miss each other.
func NormalizeAccount(account string) string {
	return strings.ToUpper(strings.TrimSpace(account))
}
