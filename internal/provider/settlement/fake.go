package settlement

import (
	"context"
	"sync"
)

// FakeCall records a single SubmitTransfer invocation.
type FakeCall struct {
	IdempotencyKey string
	Destination    string
	Amount         int64
}

type fakeReply struct {
	result TransferResult
	err    error
}

// FakeAdapter is a scripted in-memory provider for tests. Responses are
// queued per idempotency key; an empty queue falls back to success. Replays
// of a key the fake already answered successfully return the first result,
// matching how the real provider deduplicates.
type FakeAdapter struct {
	mu        sync.Mutex
	calls     []FakeCall
	scripted  map[string][]fakeReply
	completed map[string]TransferResult
	seq       int
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		scripted:  make(map[string][]fakeReply),
		completed: make(map[string]TransferResult),
	}
}

// Script queues a response for the given idempotency key. Responses are
// consumed in order.
func (f *FakeAdapter) Script(idempotencyKey string, result TransferResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[idempotencyKey] = append(f.scripted[idempotencyKey], fakeReply{result: result, err: err})
}

// FailOnce queues a single transient failure before the key succeeds.
func (f *FakeAdapter) FailOnce(idempotencyKey string) {
	f.Script(idempotencyKey, TransferResult{}, transientf("scripted failure"))
}

// RejectAlways makes every call for the key fail permanently.
func (f *FakeAdapter) RejectAlways(idempotencyKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A nil queue entry with a sentinel marks the permanent script; simplest
	// is to queue many copies.
	for i := 0; i < 16; i++ {
		f.scripted[idempotencyKey] = append(f.scripted[idempotencyKey], fakeReply{err: permanentf("scripted rejection")})
	}
}

func (f *FakeAdapter) SubmitTransfer(_ context.Context, idempotencyKey, destination string, amount int64) (TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, FakeCall{
		IdempotencyKey: idempotencyKey,
		Destination:    destination,
		Amount:         amount,
	})

	if prior, ok := f.completed[idempotencyKey]; ok {
		return prior, nil
	}
	if queue := f.scripted[idempotencyKey]; len(queue) > 0 {
		reply := queue[0]
		f.scripted[idempotencyKey] = queue[1:]
		if reply.err != nil {
			return TransferResult{}, reply.err
		}
		f.completed[idempotencyKey] = reply.result
		return reply.result, nil
	}

	f.seq++
	result := TransferResult{
		TransferID: fakeTransferID(f.seq),
		Status:     TransferSucceeded,
	}
	f.completed[idempotencyKey] = result
	return result, nil
}

// Calls returns a copy of every recorded invocation.
func (f *FakeAdapter) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times the key was submitted.
func (f *FakeAdapter) CallCount(idempotencyKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.IdempotencyKey == idempotencyKey {
			n++
		}
	}
	return n
}

func fakeTransferID(seq int) string {
	const digits = "0123456789"
	id := []byte("tr_fake_000000")
	for i := len(id) - 1; seq > 0 && i >= 0; i-- {
		id[i] = digits[seq%10]
		seq /= 10
	}
	return string(id)
}
