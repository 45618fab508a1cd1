// Package notify implements notifier lists, callbacks fired when a network protocol comes up or goes down
package notify

import "sync"

// Func is a notifier callback, arg is protocol specific (e.g. the unit number)
type Func func(arg int)

type entry struct {
	id uint64
	fn Func
}

// List is a list of notifiers; the zero value is ready to use, a nil *List ignores Notify
type List struct {
	mux     sync.Mutex
	nextID  uint64
	entries []entry
}

// Add appends fn to the list, the returned function removes it
func (l *List) Add(fn Func) (remove func()) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, entry{id: id, fn: fn})
	return func() {
		l.mux.Lock()
		defer l.mux.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// Len returns number of notifiers
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	return len(l.entries)
}

// Notify calls all notifiers in the order they were added;
// the callbacks run without the lock held so they could add or remove notifiers
func (l *List) Notify(arg int) {
	if l == nil {
		return
	}
	l.mux.Lock()
	fns := make([]Func, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	l.mux.Unlock()
	for _, fn := range fns {
		fn(arg)
	}
}
