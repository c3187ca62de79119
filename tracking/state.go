package tracking

// State is the lifecycle state of a tracked entry.
type State uint8

// List of entry states.
const (
	Detached State = iota
	Unchanged
	Added
	Modified
	Deleted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unchanged:
		return "Unchanged"
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Deleted:
		return "Deleted"
	}
	return "Detached"
}

// Pending reports whether the state needs a store command.
func (s State) Pending() bool {
	return s == Added || s == Modified || s == Deleted
}

// live reports whether the entry takes part in relationships.
func (s State) live() bool {
	return s == Unchanged || s == Added || s == Modified
}

// bitset is a fixed-size set of property indices.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitset) clear(i int) {
	b[i/64] &^= 1 << (uint(i) % 64)
}

func (b bitset) has(i int) bool {
	if i < 0 || i/64 >= len(b) {
		return false
	}
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitset) any() bool {
	for _, w := range b {
		if w != 0 {
			return true
		}
	}
	return false
}

func (b bitset) reset() {
	for i := range b {
		b[i] = 0
	}
}
