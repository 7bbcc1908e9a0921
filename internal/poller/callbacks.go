package poller

import (
	"runtime/debug"

	"slackwatch/internal/store"
	"slackwatch/pkg/logx"
)

// Callback receives every queued message, synchronously, after it has been
// persisted. Callbacks may panic; failures are isolated per callback.
type Callback func(store.PendingMessage)

// CallbackID identifies a registered callback for removal. (Go funcs are not
// comparable, so registration hands back an opaque id.)
type CallbackID uint64

type registeredCallback struct {
	id CallbackID
	fn Callback
}

// AddCallback registers fn. Safe to call while the loop is dispatching.
func (s *Service) AddCallback(fn Callback) CallbackID {
	if fn == nil {
		return 0
	}
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.cbSeq++
	id := CallbackID(s.cbSeq)
	s.cbs = append(s.cbs, registeredCallback{id: id, fn: fn})
	return id
}

// RemoveCallback unregisters the callback; unknown ids are a no-op.
func (s *Service) RemoveCallback(id CallbackID) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	for i, c := range s.cbs {
		if c.id == id {
			s.cbs = append(s.cbs[:i], s.cbs[i+1:]...)
			return
		}
	}
}

// dispatch fans the message out to a point-in-time snapshot of the callback
// list, so concurrent Add/Remove never races the iteration. Each invocation
// is individually recovered: one failing handler must not starve the rest.
func (s *Service) dispatch(msg store.PendingMessage) {
	s.cbMu.Lock()
	snapshot := make([]registeredCallback, len(s.cbs))
	copy(snapshot, s.cbs)
	s.cbMu.Unlock()

	for _, c := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("callback panicked",
						logx.Uint64("callback", uint64(c.id)),
						logx.String("id", msg.ID),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			c.fn(msg)
		}()
	}
}
