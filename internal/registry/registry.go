// Package registry is a concurrent name -> value table. The server keeps its
// live websocket sessions in one; shutdown walks it to send every client a
// going-away frame, and the stats endpoint counts it.
package registry

import "github.com/alphadose/haxmap"

type Registry[T any] interface {
	Add(name string, value T)
	Del(name string)
	Len() int
	// Each calls fn for every entry until fn returns false.
	// Entries added or removed during the walk may or may not be visited.
	Each(fn func(name string, value T) bool)
}

type registry[T any] struct {
	values *haxmap.Map[string, T]
}

func New[T any]() Registry[T] {
	return &registry[T]{
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Add(name string, value T) {
	r.values.Set(name, value)
}

func (r *registry[T]) Del(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Len() int {
	return int(r.values.Len())
}

func (r *registry[T]) Each(fn func(name string, value T) bool) {
	r.values.ForEach(fn)
}
