package runner

import "sync"

// Token is the cancellation signal of one job. It is observed at
// checkpoints only; firing it never interrupts a module call in flight.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel fires the token. Calling it more than once is a no-op.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *Token) Done() <-chan struct{} { return t.ch }
