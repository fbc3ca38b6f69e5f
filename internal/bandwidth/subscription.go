package bandwidth

import "sync"

// Subscription delivers rate updates for one id.
type Subscription struct {
	id   string
	c    chan Rate
	once sync.Once
}

func newSubscription(id string) *Subscription {
	return &Subscription{id: id, c: make(chan Rate, 1)}
}

// ID returns the subscribed id.
func (s *Subscription) ID() string {
	return s.id
}

// C returns the update channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Rate {
	return s.c
}

// deliver replaces an unread update with r.
func (s *Subscription) deliver(r Rate) {
	for {
		select {
		case s.c <- r:
			return
		default:
		}
		select {
		case <-s.c:
		default:
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.c) })
}
