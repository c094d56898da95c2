package gocapture

import "sync"

// A frameRegistry tracks the frames a source has published but subscribers
// have not yet released. Slots are reused; each slot records the generation
// that filled it, drawn from a counter that is never reset, so a stale
// clear cannot free a newer occupant even after releaseAll has emptied the
// arena.
type frameRegistry struct {
	mu      sync.Mutex
	slots   []*Frame
	gens    []uint64
	nextGen uint64
}

// insert places the frame into a free slot, growing the arena by half its
// current size (at least four slots) when full.
func (r *frameRegistry) insert(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := -1
	for i, s := range r.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		grow := len(r.slots) / 2
		if grow < 4 {
			grow = 4
		}
		slots := make([]*Frame, len(r.slots)+grow)
		copy(slots, r.slots)
		gens := make([]uint64, len(slots))
		copy(gens, r.gens)
		slot = len(r.slots)
		r.slots = slots
		r.gens = gens
	}

	r.nextGen++
	r.gens[slot] = r.nextGen
	f.reg = r
	f.slot = slot
	f.gen = r.nextGen
	r.slots[slot] = f
}

// clear empties the slot if it still holds the generation that filled it.
func (r *frameRegistry) clear(slot int, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot < 0 || slot >= len(r.slots) {
		return
	}
	if r.gens[slot] != gen {
		return
	}
	r.slots[slot] = nil
}

// releaseAll force releases every outstanding frame and resets the arena,
// returning how many frames were actually released here. Frames already
// released by subscribers are skipped; the release calls happen outside
// the registry lock since decoder release functions may be arbitrary.
func (r *frameRegistry) releaseAll() int {
	r.mu.Lock()
	frames := make([]*Frame, 0, len(r.slots))
	for i, f := range r.slots {
		if f != nil {
			frames = append(frames, f)
			r.slots[i] = nil
		}
	}
	r.slots = nil
	r.gens = nil
	r.mu.Unlock()

	var released int
	for _, f := range frames {
		if !f.released.CompareAndSwap(false, true) {
			continue
		}
		if f.release != nil {
			f.release()
		}
		released++
	}
	return released
}

// outstanding counts the frames currently held by subscribers.
func (r *frameRegistry) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, f := range r.slots {
		if f != nil {
			n++
		}
	}
	return n
}

// size returns the arena's current capacity in slots.
func (r *frameRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
