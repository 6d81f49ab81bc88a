// File: router/router.go
// Package router implements the segment tree HTTP router used by App.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Patterns are split on "/". A segment is a literal, a ":name" parameter
// matching one non-empty segment, or a trailing "*" matching the rest of the
// path including nothing. Lookup is depth first: literal children first,
// then parameters, then the wildcard. A handler that returns false yields
// and routing continues with the next candidate.

package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/momentics/hioload-uws/api"
)

// ErrInvalidPattern reports a malformed route pattern.
var ErrInvalidPattern = fmt.Errorf("invalid route pattern: %w", api.ErrInvalidArgument)

// Priority orders handlers registered on the same node.
type Priority uint8

const (
	HighPriority Priority = iota
	MediumPriority
	LowPriority
)

// AnyMethod matches every method.
const AnyMethod = "*"

// HandlerFunc handles a routed request. It returns false to yield.
type HandlerFunc[T any] func(arg T, params Params) bool

type handler[T any] struct {
	method   string
	priority Priority
	seq      uint64
	names    []string
	fn       HandlerFunc[T]
}

type node[T any] struct {
	literal  map[string]*node[T]
	param    *node[T]
	wildcard *node[T]
	handlers []*handler[T]
}

// Router dispatches (method, url) pairs to handlers. It is not safe for
// concurrent use.
type Router[T any] struct {
	root node[T]
	seq  uint64

	// Scratch state for the route in progress.
	values []string
}

// New returns an empty router.
func New[T any]() *Router[T] { return &Router[T]{} }

type segKind uint8

const (
	segLiteral segKind = iota
	segParam
	segWildcard
)

type segment struct {
	kind segKind
	text string
}

func parsePattern(pattern string) ([]segment, error) {
	trimmed := strings.Trim(pattern, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	for i, p := range parts {
		switch {
		case p == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q: * must be the last segment", ErrInvalidPattern, pattern)
			}
			segs = append(segs, segment{kind: segWildcard})
		case strings.HasPrefix(p, ":"):
			if len(p) == 1 {
				return nil, fmt.Errorf("%w: %q: empty parameter name", ErrInvalidPattern, pattern)
			}
			segs = append(segs, segment{kind: segParam, text: p[1:]})
		default:
			segs = append(segs, segment{kind: segLiteral, text: p})
		}
	}
	return segs, nil
}

func (r *Router[T]) walk(segs []segment, create bool) *node[T] {
	n := &r.root
	for _, s := range segs {
		var next *node[T]
		switch s.kind {
		case segLiteral:
			next = n.literal[s.text]
			if next == nil && create {
				if n.literal == nil {
					n.literal = make(map[string]*node[T])
				}
				next = &node[T]{}
				n.literal[s.text] = next
			}
		case segParam:
			if n.param == nil && create {
				n.param = &node[T]{}
			}
			next = n.param
		case segWildcard:
			if n.wildcard == nil && create {
				n.wildcard = &node[T]{}
			}
			next = n.wildcard
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n
}

func invalidRoute(method, pattern string, cause error) error {
	return api.WrapError(api.ErrCodeInvalidArgument, cause.Error(), cause).
		WithContext("method", method).
		WithContext("pattern", pattern)
}

// Add registers h for method and pattern. Method is compared case
// sensitively; AnyMethod matches all.
func (r *Router[T]) Add(method, pattern string, h HandlerFunc[T], p Priority) error {
	if h == nil {
		return invalidRoute(method, pattern, fmt.Errorf("%w: nil handler", ErrInvalidPattern))
	}
	segs, err := parsePattern(pattern)
	if err != nil {
		return invalidRoute(method, pattern, err)
	}
	var names []string
	for _, s := range segs {
		if s.kind == segParam {
			names = append(names, s.text)
		}
	}
	n := r.walk(segs, true)
	r.seq++
	n.handlers = append(n.handlers, &handler[T]{
		method:   method,
		priority: p,
		seq:      r.seq,
		names:    names,
		fn:       h,
	})
	sort.SliceStable(n.handlers, func(i, j int) bool {
		a, b := n.handlers[i], n.handlers[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
	return nil
}

// Remove deletes every handler registered for method, pattern and
// priority. It reports whether one was found.
func (r *Router[T]) Remove(method, pattern string, p Priority) bool {
	segs, err := parsePattern(pattern)
	if err != nil {
		return false
	}
	n := r.walk(segs, false)
	if n == nil {
		return false
	}
	kept := n.handlers[:0]
	for _, h := range n.handlers {
		if h.method != method || h.priority != p {
			kept = append(kept, h)
		}
	}
	removed := len(kept) != len(n.handlers)
	for i := len(kept); i < len(n.handlers); i++ {
		n.handlers[i] = nil
	}
	n.handlers = kept
	return removed
}

// Clear removes every route.
func (r *Router[T]) Clear() { r.root = node[T]{} }

// Route dispatches to the first handler that accepts the request. url must
// not carry a query string.
func (r *Router[T]) Route(method, url string, arg T) bool {
	trimmed := strings.Trim(url, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}
	r.values = r.values[:0]
	return r.route(&r.root, parts, method, arg)
}

func (r *Router[T]) route(n *node[T], parts []string, method string, arg T) bool {
	if len(parts) == 0 {
		if r.dispatch(n, method, arg) {
			return true
		}
	} else {
		if next := n.literal[parts[0]]; next != nil {
			if r.route(next, parts[1:], method, arg) {
				return true
			}
		}
		if n.param != nil && parts[0] != "" {
			r.values = append(r.values, parts[0])
			if r.route(n.param, parts[1:], method, arg) {
				return true
			}
			r.values = r.values[:len(r.values)-1]
		}
	}
	if n.wildcard != nil {
		return r.dispatch(n.wildcard, method, arg)
	}
	return false
}

func (r *Router[T]) dispatch(n *node[T], method string, arg T) bool {
	for _, h := range n.handlers {
		if h.method != method && h.method != AnyMethod {
			continue
		}
		if h.fn(arg, Params{names: h.names, values: r.values}) {
			return true
		}
	}
	return false
}

// Params holds the parameter values of the matched pattern, in pattern
// order. It is valid only during the handler call.
type Params struct {
	names  []string
	values []string
}

// Len returns the number of parameters.
func (p Params) Len() int { return len(p.values) }

// Get returns parameter i, or "" when out of range.
func (p Params) Get(i int) string {
	if i < 0 || i >= len(p.values) {
		return ""
	}
	return p.values[i]
}

// ByName returns the parameter declared as ":name".
func (p Params) ByName(name string) (string, bool) {
	for i, n := range p.names {
		if n == name && i < len(p.values) {
			return p.values[i], true
		}
	}
	return "", false
}
