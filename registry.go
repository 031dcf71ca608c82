package treez

import (
	"sync"
	"time"
)

// registry is the arena of resident span records, guarded by a single mutex.
// records holds every resident record, open or closed; open indexes the
// records that the framework may still address by ID; resident indexes the
// latest record created under each ID until it is reclaimed.
//
//nolint:govet // Field order optimized for readability
type registry struct {
	records  map[slot]*spanRecord
	open     map[ID]slot
	resident map[ID]slot
	next     slot
	mu       sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		records:  make(map[slot]*spanRecord),
		open:     make(map[ID]slot),
		resident: make(map[ID]slot),
	}
}

// createResult reports what happened while inserting a new record.
//
//nolint:govet // Field order optimized for readability
type createResult struct {
	displaced   Entry // tree of a root that was implicitly closed by ID reuse
	hasDisplace bool
	orphaned    bool // parent was requested but is not resident
}

// create inserts rec under id, linking it to parent while parent is resident,
// closed or not. A span whose requested parent was reclaimed becomes a root.
// An ID that is still open is implicitly closed first.
func (r *registry) create(id ID, rec *spanRecord, parent ID) createResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res createResult
	if prev, ok := r.open[id]; ok {
		res.displaced, res.hasDisplace = r.closeLocked(prev)
	}

	r.next++
	s := r.next

	if parent != 0 {
		if ps, ok := r.lookupLocked(parent); ok {
			rec.parent = ps
			p := r.records[ps]
			p.children = append(p.children, child{kind: childSpan, ref: s})
		} else {
			res.orphaned = true
		}
	}

	r.records[s] = rec
	r.open[id] = s
	r.resident[id] = s
	return res
}

// lookupLocked resolves id to the slot of its open record, or failing that
// to the latest resident record created under id.
func (r *registry) lookupLocked(id ID) (slot, bool) {
	if s, ok := r.open[id]; ok {
		return s, true
	}
	s, ok := r.resident[id]
	return s, ok
}

// attach appends an inlined event to the resident span parent.
// Returns false when parent was reclaimed or never existed.
func (r *registry) attach(parent ID, ev Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookupLocked(parent)
	if !ok {
		return false
	}
	p := r.records[s]
	p.children = append(p.children, child{kind: childEvent, event: ev})
	return true
}

// record merges fields into the open span id.
func (r *registry) record(id ID, fields []Field) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.open[id]
	if !ok {
		return false
	}
	r.records[s].record(fields)
	return true
}

func (r *registry) enter(id ID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.open[id]
	if !ok {
		return false
	}
	r.records[s].enter(now)
	return true
}

func (r *registry) exit(id ID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.open[id]
	if !ok {
		return false
	}
	r.records[s].exit(now)
	return true
}

// closeResult reports the outcome of a close notification.
//
//nolint:govet // Field order optimized for readability
type closeResult struct {
	tree     Entry
	resident int
	found    bool
	root     bool
}

// close marks id closed. Closing a root extracts its whole subtree.
func (r *registry) close(id ID) closeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.open[id]
	if !ok {
		return closeResult{}
	}
	tree, root := r.closeLocked(s)
	return closeResult{
		tree:     tree,
		root:     root,
		found:    true,
		resident: len(r.records),
	}
}

// closeLocked drops the record from the open index and extracts it when it
// is a root. Non-root records stay resident until their root is extracted.
func (r *registry) closeLocked(s slot) (Entry, bool) {
	rec := r.records[s]
	if r.open[rec.id] == s {
		delete(r.open, rec.id)
	}
	rec.closed = true
	if rec.parent != 0 {
		return Entry{}, false
	}
	return r.extractLocked(s), true
}

// extractLocked removes the record at s and all of its descendants and
// returns them as a resolved tree, children in arrival order.
func (r *registry) extractLocked(s slot) Entry {
	rec, ok := r.records[s]
	if !ok {
		return Entry{}
	}
	delete(r.records, s)
	if !rec.closed && r.open[rec.id] == s {
		delete(r.open, rec.id)
	}
	if r.resident[rec.id] == s {
		delete(r.resident, rec.id)
	}

	entry := rec.toEntry()
	if len(rec.children) == 0 {
		return entry
	}

	entry.Children = make([]Entry, 0, len(rec.children))
	for _, c := range rec.children {
		switch c.kind {
		case childSpan:
			if _, ok := r.records[c.ref]; ok {
				entry.Children = append(entry.Children, r.extractLocked(c.ref))
			}
		case childEvent:
			entry.Children = append(entry.Children, c.event)
		}
	}
	rec.children = nil
	if len(entry.Children) == 0 {
		entry.Children = nil
	}
	return entry
}

// len returns the number of resident records.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// contains reports whether id resolves to a resident record.
func (r *registry) contains(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lookupLocked(id)
	return ok
}

// openLen returns the number of records still addressable by ID.
func (r *registry) openLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
