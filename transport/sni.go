// File: transport/sni.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "strings"

type sniNode[V any] struct {
	children map[string]*sniNode[V]
	value    V
	set      bool
}

// SNITree maps hostname patterns to values. A "*" label matches exactly one
// label; an exact label always wins over "*" at the same depth.
type SNITree[V any] struct {
	root sniNode[V]
	n    int
}

// NewSNITree returns an empty tree.
func NewSNITree[V any]() *SNITree[V] { return &SNITree[V]{} }

// Len returns the number of patterns.
func (t *SNITree[V]) Len() int { return t.n }

// labels splits a hostname right to left, so "a.example.com" becomes
// [com example a].
func labels(host string) []string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return nil
	}
	parts := strings.Split(host, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Add inserts pattern. It reports false when the pattern is empty or
// already present.
func (t *SNITree[V]) Add(pattern string, v V) bool {
	ls := labels(pattern)
	if len(ls) == 0 {
		return false
	}
	n := &t.root
	for _, l := range ls {
		if n.children == nil {
			n.children = make(map[string]*sniNode[V])
		}
		next, ok := n.children[l]
		if !ok {
			next = &sniNode[V]{}
			n.children[l] = next
		}
		n = next
	}
	if n.set {
		return false
	}
	n.value, n.set = v, true
	t.n++
	return true
}

// Get returns the value stored for exactly pattern.
func (t *SNITree[V]) Get(pattern string) (V, bool) {
	n := &t.root
	for _, l := range labels(pattern) {
		next, ok := n.children[l]
		if !ok {
			var zero V
			return zero, false
		}
		n = next
	}
	if n == &t.root || !n.set {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Remove deletes pattern and prunes empty branches.
func (t *SNITree[V]) Remove(pattern string) (V, bool) {
	var zero V
	ls := labels(pattern)
	if len(ls) == 0 {
		return zero, false
	}
	path := []*sniNode[V]{&t.root}
	n := &t.root
	for _, l := range ls {
		next, ok := n.children[l]
		if !ok {
			return zero, false
		}
		n = next
		path = append(path, n)
	}
	if !n.set {
		return zero, false
	}
	v := n.value
	n.value, n.set = zero, false
	t.n--
	for i := len(ls) - 1; i >= 0; i-- {
		child := path[i+1]
		if child.set || len(child.children) > 0 {
			break
		}
		delete(path[i].children, ls[i])
	}
	return v, true
}

// Find resolves a hostname against the stored patterns.
func (t *SNITree[V]) Find(host string) (V, bool) {
	ls := labels(host)
	if len(ls) == 0 {
		var zero V
		return zero, false
	}
	return find(&t.root, ls)
}

func find[V any](n *sniNode[V], ls []string) (V, bool) {
	if len(ls) == 0 {
		return n.value, n.set
	}
	if next, ok := n.children[ls[0]]; ok {
		if v, ok := find(next, ls[1:]); ok {
			return v, true
		}
	}
	if next, ok := n.children["*"]; ok {
		return find(next, ls[1:])
	}
	var zero V
	return zero, false
}
