package memtable

import (
	"cmp"
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type skipNode[K cmp.Ordered, V any] struct {
	key     K
	value   V
	forward []*skipNode[K, V]
}

// SkipList is an ordered map. It is not safe for concurrent use; callers
// guard it with their own lock.
type SkipList[K cmp.Ordered, V any] struct {
	head  *skipNode[K, V]
	level int
	size  int
	rnd   *rand.Rand
}

// NewSkipList creates an empty skip list.
func NewSkipList[K cmp.Ordered, V any]() *SkipList[K, V] {
	return &SkipList[K, V]{
		head: &skipNode[K, V]{forward: make([]*skipNode[K, V], MaxLevel)},
		rnd:  rand.New(rand.NewSource(rand.Int63())),
	}
}

func (sl *SkipList[K, V]) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on every
// level and returns the candidate node at level 0.
func (sl *SkipList[K, V]) findPredecessors(key K, update []*skipNode[K, V]) *skipNode[K, V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Upsert inserts key or, if present, replaces its value with the result of
// merge(old, value). It reports whether a new key was added.
func (sl *SkipList[K, V]) Upsert(key K, value V, merge func(old, value V) V) bool {
	update := make([]*skipNode[K, V], MaxLevel)
	if n := sl.findPredecessors(key, update); n != nil && n.key == key {
		if merge != nil {
			n.value = merge(n.value, value)
		} else {
			n.value = value
		}
		return false
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}
	n := &skipNode[K, V]{key: key, value: value, forward: make([]*skipNode[K, V], newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
	return true
}

// Insert adds or replaces key.
func (sl *SkipList[K, V]) Insert(key K, value V) {
	sl.Upsert(key, value, nil)
}

// Search finds a value by key.
func (sl *SkipList[K, V]) Search(key K) (V, bool) {
	if n := sl.findPredecessors(key, nil); n != nil && n.key == key {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present.
func (sl *SkipList[K, V]) Delete(key K) bool {
	update := make([]*skipNode[K, V], MaxLevel)
	n := sl.findPredecessors(key, update)
	if n == nil || n.key != key {
		return false
	}
	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != n {
			break
		}
		update[i].forward[i] = n.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of keys.
func (sl *SkipList[K, V]) Len() int {
	return sl.size
}

// Iterator returns an iterator positioned before the first key.
func (sl *SkipList[K, V]) Iterator() *Iterator[K, V] {
	return &Iterator[K, V]{current: sl.head}
}

// Iterator walks a skip list in key order.
type Iterator[K cmp.Ordered, V any] struct {
	current *skipNode[K, V]
}

// Next moves to the next element.
func (it *Iterator[K, V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Key returns the current key.
func (it *Iterator[K, V]) Key() K {
	var zero K
	if it.current == nil {
		return zero
	}
	return it.current.key
}

// Value returns the current value.
func (it *Iterator[K, V]) Value() V {
	var zero V
	if it.current == nil {
		return zero
	}
	return it.current.value
}
