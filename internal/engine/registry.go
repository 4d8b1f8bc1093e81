package engine

import (
	"sync"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// managedTrade wraps a trade with its own lock so status transitions for one
// trade are serialized: a fill callback and a tick-driven trigger for the
// same trade can never interleave. The halted flag is set after a durable
// write fails; a halted trade receives no further processing.
type managedTrade struct {
	mu     sync.Mutex
	trade  *domain.Trade
	halted bool
}

// Registry is the explicit, owned index of managed trades: by id for lookups
// and fill routing, by symbol for O(1) tick dispatch. It is injected into the
// Manager so multiple engine instances and test harnesses run in isolation.
type Registry struct {
	mu            sync.RWMutex
	byID          map[string]*managedTrade
	bySymbol      map[string][]*managedTrade
	byClientOrder map[string]*managedTrade
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:          make(map[string]*managedTrade),
		bySymbol:      make(map[string][]*managedTrade),
		byClientOrder: make(map[string]*managedTrade),
	}
}

// Add indexes a trade for evaluation. Terminal trades are indexed by id only
// (they stay visible to reads but never re-enter tick dispatch).
func (r *Registry) Add(mt *managedTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[mt.trade.ID] = mt
	if !mt.trade.Status().IsTerminal() {
		r.bySymbol[mt.trade.Symbol] = append(r.bySymbol[mt.trade.Symbol], mt)
	}
}

// ByID returns the managed trade for id, or nil.
func (r *Registry) ByID(id string) *managedTrade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// BySymbol returns the trades currently dispatched for symbol.
func (r *Registry) BySymbol(symbol string) []*managedTrade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*managedTrade, len(r.bySymbol[symbol]))
	copy(out, r.bySymbol[symbol])
	return out
}

// Symbols returns every symbol with at least one dispatched trade.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.bySymbol))
	for s, trades := range r.bySymbol {
		if len(trades) > 0 {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// MapClientOrder routes a client order id to its trade for fill handling.
func (r *Registry) MapClientOrder(clientOrderID string, mt *managedTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClientOrder[clientOrderID] = mt
}

// ByClientOrder returns the trade a client order id belongs to, or nil.
func (r *Registry) ByClientOrder(clientOrderID string) *managedTrade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byClientOrder[clientOrderID]
}

// Eject removes a trade from tick dispatch once it reached a terminal state.
// The id index keeps the record for reads.
func (r *Registry) Eject(mt *managedTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trades := r.bySymbol[mt.trade.Symbol]
	for i, t := range trades {
		if t == mt {
			r.bySymbol[mt.trade.Symbol] = append(trades[:i], trades[i+1:]...)
			break
		}
	}
}

// ActiveCount returns the number of trades still in tick dispatch.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, trades := range r.bySymbol {
		n += len(trades)
	}
	return n
}
