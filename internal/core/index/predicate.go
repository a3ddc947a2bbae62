package index

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/zeusync/worldstore/internal/core/models"
)

// PredicateIndex tracks the set of entities for which a predicate holds.
type PredicateIndex struct {
	pred    func(e *models.Entity) bool
	tracked []models.ComponentID
	members *roaring64.Bitmap
}

// NewPredicateIndex tracks entities satisfying pred. tracked lists the
// components pred depends on.
func NewPredicateIndex(pred func(e *models.Entity) bool, tracked ...models.ComponentID) *PredicateIndex {
	return &PredicateIndex{pred: pred, tracked: tracked, members: roaring64.New()}
}

// NewComponentIndex tracks entities that carry every listed component.
func NewComponentIndex(cids ...models.ComponentID) *PredicateIndex {
	return NewPredicateIndex(func(e *models.Entity) bool { return e.HasAll(cids...) }, cids...)
}

var _ Index = (*PredicateIndex)(nil)

func (p *PredicateIndex) Update(e *models.Entity, c *models.Change) {
	if !relevant(c, p.tracked) {
		return
	}
	if p.pred(e) {
		p.members.Add(uint64(e.ID))
	} else {
		p.members.Remove(uint64(e.ID))
	}
}

func (p *PredicateIndex) Delete(id models.EntityID) {
	p.members.Remove(uint64(id))
}

func (p *PredicateIndex) Clear() {
	p.members.Clear()
}

func (p *PredicateIndex) Size() int {
	return int(p.members.GetCardinality())
}

func (p *PredicateIndex) Contains(id models.EntityID) bool {
	return p.members.Contains(uint64(id))
}

// IDs returns the members in ascending order.
func (p *PredicateIndex) IDs() []models.EntityID {
	out := make([]models.EntityID, 0, p.members.GetCardinality())
	it := p.members.Iterator()
	for it.HasNext() {
		out = append(out, models.EntityID(it.Next()))
	}
	return out
}

// Intersect returns the members present in both indices.
func (p *PredicateIndex) Intersect(other *PredicateIndex) []models.EntityID {
	both := roaring64.And(p.members, other.members)
	out := make([]models.EntityID, 0, both.GetCardinality())
	it := both.Iterator()
	for it.HasNext() {
		out = append(out, models.EntityID(it.Next()))
	}
	return out
}
