package spead

// ItemGroup holds the single test item sent in every heap. Each call to
// Heap advances the item version, so consecutive heaps are distinct.
type ItemGroup struct {
	value   []byte
	version uint64
}

// NewItemGroup returns an ItemGroup with a zero-filled item of size bytes.
func NewItemGroup(size int) *ItemGroup {
	return &ItemGroup{value: make([]byte, size)}
}

// Version returns the current item version.
func (g *ItemGroup) Version() uint64 {
	return g.version
}

// Heap advances the item version and returns a heap carrying the item.
func (g *ItemGroup) Heap() *Heap {
	g.version++
	return &Heap{Version: g.version, Payload: g.value}
}

// End returns the end-of-stream heap.
func (g *ItemGroup) End() *Heap {
	return &Heap{Version: g.version, End: true}
}
