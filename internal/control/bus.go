package control

import "sort"

// Listener receives events of the category it subscribed to.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
	removed  bool
}

// Bus fans events out to listeners registered per category.
//
// Listeners run synchronously inside Publish, in subscription order. A
// listener may subscribe or unsubscribe (itself or others) while being
// called; the change takes effect from the next Publish.
//
// Bus is not safe for concurrent use. Drive it from one goroutine.
type Bus struct {
	subs   map[Category][]*subscription
	nextID uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Category][]*subscription)}
}

// Subscribe registers fn for events of category cat and returns a function
// that removes the registration. Calling the returned function twice is safe.
func (b *Bus) Subscribe(cat Category, fn Listener) func() {
	b.nextID++
	sub := &subscription{id: b.nextID, listener: fn}
	b.subs[cat] = append(b.subs[cat], sub)

	return func() {
		if sub.removed {
			return
		}
		sub.removed = true
		list := b.subs[cat]
		for i, s := range list {
			if s == sub {
				b.subs[cat] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[cat]) == 0 {
			delete(b.subs, cat)
		}
	}
}

// Publish delivers ev to every listener subscribed to ev.Category.
func (b *Bus) Publish(ev Event) {
	list := b.subs[ev.Category]
	if len(list) == 0 {
		return
	}
	snapshot := make([]*subscription, len(list))
	copy(snapshot, list)

	for _, sub := range snapshot {
		if sub.removed {
			continue
		}
		sub.listener(ev)
	}
}

// Categories returns the categories that currently have at least one
// listener, sorted by name. The result is what SETEVENTS should ask for.
func (b *Bus) Categories() []Category {
	cats := make([]Category, 0, len(b.subs))
	for cat := range b.subs {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Listeners returns the number of listeners registered for cat.
func (b *Bus) Listeners(cat Category) int {
	return len(b.subs[cat])
}
