package index

import (
	"cmp"
	"maps"
	"slices"

	"github.com/zeusync/worldstore/internal/core/models"
)

// KeyFunc derives the lookup key of an entity; ok is false when the entity
// has no key.
type KeyFunc[K comparable] func(e *models.Entity) (key K, ok bool)

// KeyIndex is a multimap from a derived key to entity ids.
type KeyIndex[K comparable] struct {
	keyOf   KeyFunc[K]
	tracked []models.ComponentID

	byKey map[K]map[models.EntityID]struct{}
	keys  map[models.EntityID]K
}

// NewKeyIndex indexes entities by keyOf. tracked lists the components the key
// depends on; updates touching none of them are skipped. With no tracked
// components every update is re-keyed.
func NewKeyIndex[K comparable](keyOf KeyFunc[K], tracked ...models.ComponentID) *KeyIndex[K] {
	return &KeyIndex[K]{
		keyOf:   keyOf,
		tracked: tracked,
		byKey:   make(map[K]map[models.EntityID]struct{}),
		keys:    make(map[models.EntityID]K),
	}
}

func (k *KeyIndex[K]) Update(e *models.Entity, c *models.Change) {
	if !relevant(c, k.tracked) {
		return
	}
	key, ok := k.keyOf(e)
	if !ok {
		k.Delete(e.ID)
		return
	}
	if prev, had := k.keys[e.ID]; had {
		if prev == key {
			return
		}
		k.unlink(e.ID, prev)
	}
	members, exists := k.byKey[key]
	if !exists {
		members = make(map[models.EntityID]struct{})
		k.byKey[key] = members
	}
	members[e.ID] = struct{}{}
	k.keys[e.ID] = key
}

func (k *KeyIndex[K]) Delete(id models.EntityID) {
	if prev, had := k.keys[id]; had {
		k.unlink(id, prev)
		delete(k.keys, id)
	}
}

func (k *KeyIndex[K]) unlink(id models.EntityID, key K) {
	members := k.byKey[key]
	delete(members, id)
	if len(members) == 0 {
		delete(k.byKey, key)
	}
}

func (k *KeyIndex[K]) Clear() {
	clear(k.byKey)
	clear(k.keys)
}

func (k *KeyIndex[K]) Size() int {
	return len(k.keys)
}

// Get returns the ids filed under key in ascending order.
func (k *KeyIndex[K]) Get(key K) []models.EntityID {
	return slices.Sorted(maps.Keys(k.byKey[key]))
}

func (k *KeyIndex[K]) Count(key K) int {
	return len(k.byKey[key])
}

// Keys returns every key with at least one member.
func (k *KeyIndex[K]) Keys() []K {
	return slices.Collect(maps.Keys(k.byKey))
}

// KeyOf returns the key an entity is currently filed under.
func (k *KeyIndex[K]) KeyOf(id models.EntityID) (K, bool) {
	key, ok := k.keys[id]
	return key, ok
}

// SortedKeys is Keys for ordered key types.
func SortedKeys[K cmp.Ordered](k *KeyIndex[K]) []K {
	out := k.Keys()
	slices.Sort(out)
	return out
}

var _ Index = (*KeyIndex[string])(nil)
