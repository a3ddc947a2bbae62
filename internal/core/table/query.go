package table

import (
	"github.com/zeusync/worldstore/internal/core/index"
	"github.com/zeusync/worldstore/internal/core/models"
)

type queryKind uint8

const (
	queryPoint queryKind = iota
	queryMulti
	queryIndex
)

// Query selects entities from a table. Every form returns only entities that
// carry the required components.
type Query struct {
	kind    queryKind
	ids     []models.EntityID
	run     func(*index.MetaIndex) ([]models.EntityID, error)
	require []models.ComponentID
}

// Point selects a single id.
func Point(id models.EntityID, require ...models.ComponentID) Query {
	return Query{kind: queryPoint, ids: []models.EntityID{id}, require: require}
}

// Multi selects an explicit list of ids, in the given order.
func Multi(ids []models.EntityID, require ...models.ComponentID) Query {
	return Query{kind: queryMulti, ids: ids, require: require}
}

// IndexQuery selects the ids produced by run against the table's MetaIndex.
func IndexQuery(run func(*index.MetaIndex) ([]models.EntityID, error), require ...models.ComponentID) Query {
	return Query{kind: queryIndex, run: run, require: require}
}

// InSphere queries the named spatial index.
func InSphere(name string, center models.Vec3, radius float64, opts []index.ScanOption, require ...models.ComponentID) Query {
	return IndexQuery(func(m *index.MetaIndex) ([]models.EntityID, error) {
		s, err := index.Lookup[*index.SpatialIndex](m, name)
		if err != nil {
			return nil, err
		}
		return s.ScanSphere(center, radius, opts...), nil
	}, require...)
}

// InAABB queries the named spatial index with the half-open box [lo, hi).
func InAABB(name string, lo, hi models.Vec3, opts []index.ScanOption, require ...models.ComponentID) Query {
	return IndexQuery(func(m *index.MetaIndex) ([]models.EntityID, error) {
		s, err := index.Lookup[*index.SpatialIndex](m, name)
		if err != nil {
			return nil, err
		}
		return s.ScanAABB(lo, hi, opts...), nil
	}, require...)
}

// ByKey queries the named key index.
func ByKey[K comparable](name string, key K, require ...models.ComponentID) Query {
	return IndexQuery(func(m *index.MetaIndex) ([]models.EntityID, error) {
		k, err := index.Lookup[*index.KeyIndex[K]](m, name)
		if err != nil {
			return nil, err
		}
		return k.Get(key), nil
	}, require...)
}

// All scans the named predicate index.
func All(name string, require ...models.ComponentID) Query {
	return IndexQuery(func(m *index.MetaIndex) ([]models.EntityID, error) {
		p, err := index.Lookup[*index.PredicateIndex](m, name)
		if err != nil {
			return nil, err
		}
		return p.IDs(), nil
	}, require...)
}

func (q Query) matches(e *models.Entity) bool {
	return e != nil && e.HasAll(q.require...)
}

// ScanIDs returns the ids a query yields without loading entities. Point and
// multi queries return their ids unchecked.
func (t *Table) ScanIDs(q Query) ([]models.EntityID, error) {
	if q.kind == queryIndex {
		return q.run(t.meta)
	}
	return q.ids, nil
}

// Scan returns the entities matching q.
func (t *Table) Scan(q Query) ([]*models.Entity, error) {
	ids, err := t.ScanIDs(q)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		if e := t.Get(id); q.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count is len(Scan(q)) without building the result.
func (t *Table) Count(q Query) (int, error) {
	ids, err := t.ScanIDs(q)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if q.matches(t.Get(id)) {
			n++
		}
	}
	return n, nil
}

// First returns one entity matching q, or nil.
func (t *Table) First(q Query) (*models.Entity, error) {
	ids, err := t.ScanIDs(q)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if e := t.Get(id); q.matches(e) {
			return e, nil
		}
	}
	return nil, nil
}
