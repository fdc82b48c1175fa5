package certdb

import "sync"

// suspension is rare, one lock serves every token
var completionMu sync.Mutex

// Completion is a one-shot callback that resumes a suspended handshake. Once
// cancelled it is never invoked.
type Completion struct {
	fn func()
}

func NewCompletion(fn func()) *Completion {
	return &Completion{fn: fn}
}

func (c *Completion) steal() func() {
	completionMu.Lock()
	fn := c.fn
	c.fn = nil
	completionMu.Unlock()
	return fn
}

// Cancel revokes the token. Reports whether it was still armed.
func (c *Completion) Cancel() bool {
	return c.steal() != nil
}

func (c *Completion) Invoke() {
	if fn := c.steal(); fn != nil {
		fn()
	}
}

func (c *Completion) Pending() bool {
	completionMu.Lock()
	defer completionMu.Unlock()
	return c.fn != nil
}
