package services

import "sync"

// commitOrder hands post-commit publishing out in the order transactions
// committed. A ticket is claimed as the last step inside the transaction and
// holds commitMu until the commit returns, so ticket numbers follow commit
// order. Tickets are then served strictly in sequence.
type commitOrder struct {
	commitMu sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func newCommitOrder() *commitOrder {
	o := &commitOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

type commitTicket struct {
	o      *commitOrder
	n      uint64
	sealed bool
	served bool
}

// claim blocks other commits until the returned ticket is sealed.
func (o *commitOrder) claim() *commitTicket {
	o.commitMu.Lock()
	o.mu.Lock()
	n := o.next
	o.next++
	o.mu.Unlock()
	return &commitTicket{o: o, n: n}
}

// seal marks the commit as finished. A nil ticket is a no-op.
func (t *commitTicket) seal() {
	if t == nil || t.sealed {
		return
	}
	t.sealed = true
	t.o.commitMu.Unlock()
}

// serve waits for every earlier ticket, runs fn and passes the turn on.
// A nil fn only passes the turn, for transactions that did not commit.
// A nil ticket runs fn immediately.
func (t *commitTicket) serve(fn func()) {
	if t == nil {
		if fn != nil {
			fn()
		}
		return
	}
	if t.served {
		return
	}
	t.seal()
	t.served = true

	o := t.o
	o.mu.Lock()
	for o.turn != t.n {
		o.cond.Wait()
	}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.turn++
		o.cond.Broadcast()
		o.mu.Unlock()
	}()
	if fn != nil {
		fn()
	}
}
