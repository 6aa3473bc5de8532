package chm

// ForwardingNode is placed in a bin of a table being resized once that bin's
// contents have been moved. Readers that meet it continue in nextTable;
// writers help finish the resize and retry there.
type ForwardingNode[K comparable, V any] struct {
	bin       BinEntry[K, V] // must be first
	nextTable *Table[K, V]
}

func newForwardingNode[K comparable, V any](nextTable *Table[K, V]) *ForwardingNode[K, V] {
	return &ForwardingNode[K, V]{
		bin:       BinEntry[K, V]{kind: forwardingBin},
		nextTable: nextTable,
	}
}

// Entry returns f as a bin head.
func (f *ForwardingNode[K, V]) Entry() *BinEntry[K, V] {
	return &f.bin
}

// NextTable returns the table the bin was moved to.
func (f *ForwardingNode[K, V]) NextTable() *Table[K, V] {
	return f.nextTable
}
