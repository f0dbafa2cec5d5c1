package forge

import "sync"

// Token is the cooperative cancellation signal shared between the scheduler
// and one optimizer run. Once set it never resets. Cancelled is readable
// without blocking from any goroutine; Done allows select-based waiting.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken returns an unset token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the token. Safe to call more than once.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
