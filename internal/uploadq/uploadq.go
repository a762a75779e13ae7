// Package uploadq provides the insertion-ordered set of blob names
// waiting for upload. Re-adding a queued name moves it to the tail, so
// repeated closes of the same blob coalesce into one upload.
package uploadq

import "container/list"

// Queue is an ordered set of blob names. Not safe for concurrent use;
// the storage coordinator guards it with its own mutex.
type Queue struct {
	order *list.List
	index map[string]*list.Element
}

func New() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Add appends name to the tail. If name is already queued it is moved
// to the tail instead.
func (q *Queue) Add(name string) {
	if el, ok := q.index[name]; ok {
		q.order.MoveToBack(el)
		return
	}
	q.index[name] = q.order.PushBack(name)
}

// Discard removes name if present.
func (q *Queue) Discard(name string) {
	if el, ok := q.index[name]; ok {
		q.order.Remove(el)
		delete(q.index, name)
	}
}

// Contains reports whether name is queued.
func (q *Queue) Contains(name string) bool {
	_, ok := q.index[name]
	return ok
}

// PopFront removes and returns the oldest name. ok is false when the
// queue is empty.
func (q *Queue) PopFront() (name string, ok bool) {
	front := q.order.Front()
	if front == nil {
		return "", false
	}
	name = front.Value.(string)
	q.order.Remove(front)
	delete(q.index, name)
	return name, true
}

// Len returns the number of queued names.
func (q *Queue) Len() int {
	return q.order.Len()
}
