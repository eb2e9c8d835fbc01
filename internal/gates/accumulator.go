package gates

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Accumulator collects gate contributions from pipeline stages and
// deduplicates them by gate id using the fixed source-priority table.
//
// Adding a gate either inserts it or, when the id is already present, keeps
// the existing entry unless the new source's priority is strictly higher
// (ties keep the first writer). Once Freeze is called, later writes are
// rejected; gate-related stages are expected to freeze the accumulator when
// they finish so downstream stages observe a stable set.
type Accumulator struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	frozen  bool
	logger  *zap.Logger
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Add records a gate contribution. It returns true when the accumulator
// changed (inserted or replaced) and false when the write was rejected:
// empty or unknown input, a frozen accumulator, or an existing entry whose
// source priority is equal or higher.
func (a *Accumulator) Add(gateID string, source Source, metadata map[string]string) bool {
	if gateID == "" || !source.Valid() {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		a.logger.Warn("gate contribution rejected, accumulator frozen",
			zap.String("gate_id", gateID),
			zap.String("source", string(source)))
		return false
	}

	existing, ok := a.entries[gateID]
	if ok && source.Priority() <= existing.Source.Priority() {
		return false
	}

	entry := &Entry{
		GateID:    gateID,
		Source:    source,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	a.entries[gateID] = entry
	if !ok {
		a.order = append(a.order, gateID)
	}
	return true
}

// AddAll records a batch of gate ids from one source and returns the number
// of entries that changed.
func (a *Accumulator) AddAll(gateIDs []string, source Source) int {
	changed := 0
	for _, id := range gateIDs {
		if a.Add(id, source, nil) {
			changed++
		}
	}
	return changed
}

// Freeze rejects all subsequent writes. Freezing twice is a no-op.
func (a *Accumulator) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = true
}

// Frozen reports whether the accumulator has been frozen.
func (a *Accumulator) Frozen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen
}

// Len returns the number of distinct accumulated gates.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// IDs returns the accumulated gate ids in first-insertion order.
func (a *Accumulator) IDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.order))
	copy(ids, a.order)
	return ids
}

// Entries returns copies of the accumulated entries in first-insertion order.
func (a *Accumulator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.entries[id])
	}
	return out
}

// Get returns the entry for a gate id, if present.
func (a *Accumulator) Get(gateID string) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[gateID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
