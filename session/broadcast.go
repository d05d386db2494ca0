package session

import (
	"sync"

	"github.com/jrsteele09/go-auth-session/users"
)

type subscriber struct {
	ch   chan *users.User
	once sync.Once
}

// offer delivers u, replacing an undelivered older value so slow readers only see the latest.
func (sub *subscriber) offer(u *users.User) {
	select {
	case sub.ch <- u:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- u:
	default:
	}
}

// Subscribe returns a channel that receives the current user immediately and again on every
// change. nil means nobody is signed in. Only the latest value is buffered. The returned
// func unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan *users.User, func()) {
	sub := &subscriber{ch: make(chan *users.User, 1)}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = sub
	sub.offer(s.current.Clone())
	s.mu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// setCurrentLocked records u as the signed-in user and notifies subscribers. Going from no
// user to no user is not a change.
func (s *Service) setCurrentLocked(u *users.User) {
	if u == nil && s.current == nil {
		return
	}
	s.current = u.Clone()
	for _, sub := range s.subscribers {
		sub.offer(u.Clone())
	}
}
