package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitOrder_ServesInClaimOrder(t *testing.T) {
	o := newCommitOrder()

	first := o.claim()
	first.seal()
	second := o.claim()
	second.seal()

	var mu sync.Mutex
	var got []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		second.serve(record("second"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second ticket was served before the first")
	case <-time.After(50 * time.Millisecond):
	}

	first.serve(record("first"))
	<-done
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestCommitOrder_SkippedTicketPassesTurn(t *testing.T) {
	o := newCommitOrder()

	failed := o.claim()
	failed.seal()
	ok := o.claim()
	ok.seal()

	failed.serve(nil)

	ran := false
	ok.serve(func() { ran = true })
	assert.True(t, ran)
}

func TestCommitOrder_ClaimWaitsForSeal(t *testing.T) {
	o := newCommitOrder()
	held := o.claim()

	claimed := make(chan *commitTicket)
	go func() { claimed <- o.claim() }()

	select {
	case <-claimed:
		t.Fatal("claim did not wait for the open commit")
	case <-time.After(50 * time.Millisecond):
	}

	held.seal()
	next := <-claimed
	require.NotNil(t, next)
	assert.Equal(t, held.n+1, next.n)

	next.seal()
	held.serve(nil)
	next.serve(nil)
}

func TestCommitOrder_NilTicketRunsImmediately(t *testing.T) {
	var ticket *commitTicket
	ticket.seal()

	ran := false
	ticket.serve(func() { ran = true })
	assert.True(t, ran)
}

func TestEditService_ConcurrentEditsPublishOncePerCommit(t *testing.T) {
	f := newEditFixture(t)
	for _, pk := range []string{"8", "9", "10"} {
		f.table.put(pk, map[string]*string{"id": strPtr(pk), "debtor_name": strPtr("x")})
	}

	var wg sync.WaitGroup
	for _, pk := range []string{"7", "8", "9", "10"} {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()
			_, err := f.svc.EditCell(t.Context(), editor, EditCellRequest{RowPK: pk, Column: "debtor_name", NewValue: "y"})
			assert.NoError(t, err)
		}(pk)
	}
	wg.Wait()

	assert.Len(t, f.publisher.events, 4)
	o := f.svc.(*editService).order
	assert.Equal(t, o.next, o.turn, "every ticket was served")
}
