package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// Registry is the in-memory view of every market the engine prices. It is
// warmed from the store at boot and kept current by the activation machine
// and the event handlers. Lookups by (group, participant) serve the cascade;
// lookups by contract address serve trade events.
//
// All mutations are read-modify-write under one lock, so concurrent updates
// to different fields of the same market cannot lose each other.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]domain.Market
	byAddr map[string]string // lowercased contract address -> market key
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]domain.Market),
		byAddr: make(map[string]string),
	}
}

// Warm loads every market of the given groups from the store. Returns the
// number of markets loaded.
func (r *Registry) Warm(ctx context.Context, st ports.Store, groups []uint64) (int, error) {
	total := 0
	for _, g := range groups {
		markets, err := st.GroupMarkets(ctx, g)
		if err != nil {
			return total, fmt.Errorf("pricing.Warm: group %d: %w", g, err)
		}
		for _, m := range markets {
			r.Upsert(m)
			total++
		}
	}
	return total, nil
}

// Upsert replaces the stored market wholesale.
func (r *Registry) Upsert(m domain.Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[m.Key()] = m
	if m.Address != "" {
		r.byAddr[strings.ToLower(m.Address)] = m.Key()
	}
}

// Get returns the market for a (group, participant) pair.
func (r *Registry) Get(groupID uint64, participant string) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKey[domain.MarketKey(groupID, participant)]
	return m, ok
}

// ByAddress returns the market deployed at the given contract address.
func (r *Registry) ByAddress(addr string) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byAddr[strings.ToLower(addr)]
	if !ok {
		return domain.Market{}, false
	}
	m, ok := r.byKey[key]
	return m, ok
}

// GroupMarkets returns the group's markets sorted by participant.
func (r *Registry) GroupMarkets(groupID uint64) []domain.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Market
	for _, m := range r.byKey {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// SetStructural updates the structural and hybrid components, returning the
// updated market. ok is false when the market is unknown.
func (r *Registry) SetStructural(groupID uint64, participant string, structuralBps, hybridBps int64) (domain.Market, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.MarketKey(groupID, participant)
	m, ok := r.byKey[key]
	if !ok {
		return domain.Market{}, false
	}
	m.StructuralBps = structuralBps
	m.HybridBps = hybridBps
	m.UpdatedAt = time.Now().UTC()
	r.byKey[key] = m
	return m, true
}

// SetSentiment updates the sentiment and hybrid components, returning the
// updated market. ok is false when the market is unknown.
func (r *Registry) SetSentiment(groupID uint64, participant string, sentimentBps, hybridBps int64) (domain.Market, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.MarketKey(groupID, participant)
	m, ok := r.byKey[key]
	if !ok {
		return domain.Market{}, false
	}
	m.SentimentBps = sentimentBps
	m.HybridBps = hybridBps
	m.UpdatedAt = time.Now().UTC()
	r.byKey[key] = m
	return m, true
}

// ConfirmAddress records the contract address from the creation event and
// moves the market to active. ok is false when the market is unknown.
func (r *Registry) ConfirmAddress(groupID uint64, participant, addr string) (domain.Market, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.MarketKey(groupID, participant)
	m, ok := r.byKey[key]
	if !ok {
		return domain.Market{}, false
	}
	m.Address = addr
	m.Status = domain.MarketStatusActive
	m.UpdatedAt = time.Now().UTC()
	r.byKey[key] = m
	r.byAddr[strings.ToLower(addr)] = key
	return m, true
}
