package targets

import (
	"github.com/google/btree"
	"github.com/ruteri/actuation-gate/interfaces"
)

const indexDegree = 16

// indexItem orders targets by X coordinate, then id.
type indexItem struct {
	x  float64
	id uint32
}

func (a indexItem) Less(b indexItem) bool {
	if a.x != b.x {
		return a.x < b.x
	}
	return a.id < b.id
}

// spatialIndex pre-filters overlap candidates by X so a check does not scan
// the whole table.
type spatialIndex struct {
	tree *btree.BTreeG[indexItem]
}

func newSpatialIndex() *spatialIndex {
	return &spatialIndex{tree: btree.NewG(indexDegree, indexItem.Less)}
}

func (s *spatialIndex) insert(t interfaces.Target) {
	s.tree.ReplaceOrInsert(indexItem{x: t.Position.X, id: t.ID})
}

func (s *spatialIndex) remove(t interfaces.Target) {
	s.tree.Delete(indexItem{x: t.Position.X, id: t.ID})
}

// within calls fn for every indexed id whose X lies in [x-reach, x+reach],
// stopping early when fn returns false.
func (s *spatialIndex) within(x, reach float64, fn func(id uint32) bool) {
	hi := x + reach
	s.tree.AscendGreaterOrEqual(indexItem{x: x - reach}, func(item indexItem) bool {
		if item.x > hi {
			return false
		}
		return fn(item.id)
	})
}

func (s *spatialIndex) clear() {
	s.tree.Clear(false)
}
