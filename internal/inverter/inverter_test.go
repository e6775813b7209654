// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package inverter

import (
	"context"
	"testing"
	"time"

	"github.com/asch/bdus/internal/bduserr"
	"github.com/asch/bdus/internal/wire"
)

type fakeRequest struct {
	typ     wire.ItemType
	arg64   uint64
	arg32   uint32
	results chan int
}

func newFakeRequest(typ wire.ItemType) *fakeRequest {
	return &fakeRequest{typ: typ, results: make(chan int, 1)}
}

func (r *fakeRequest) Type() wire.ItemType { return r.typ }
func (r *fakeRequest) Arg64() uint64       { return r.arg64 }
func (r *fakeRequest) Arg32() uint32       { return r.arg32 }
func (r *fakeRequest) Complete(errno int)  { r.results <- errno }

func allSupported() Supports {
	return Supports{
		wire.ItemRead:      true,
		wire.ItemWrite:     true,
		wire.ItemFlush:     true,
		wire.ItemIoctl:     true,
		wire.ItemFUAWrite:  true,
		wire.ItemDiscard:   true,
		wire.ItemWriteSame: true,
	}
}

func TestSubmitRejectsUnsupported(t *testing.T) {
	inv := New(4, Supports{wire.ItemRead: true})
	req := newFakeRequest(wire.ItemWrite)

	_, err := inv.Submit(req)
	if err != bduserr.ErrNotSupported {
		t.Fatalf("got err %v, want ErrNotSupported", err)
	}
	if errno := <-req.results; errno != bduserr.EOPNOTSUPP {
		t.Fatalf("got errno %d, want EOPNOTSUPP", errno)
	}
}

func TestSubmitBeginGetCommitCompleteRoundTrip(t *testing.T) {
	inv := New(4, allSupported())
	req := newFakeRequest(wire.ItemRead)
	req.arg64 = 4096
	req.arg32 = 512

	h, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	if item.Type != wire.ItemRead || item.Handle != h || item.Arg64 != 4096 || item.Arg32 != 512 {
		t.Fatalf("unexpected item: %+v", item)
	}

	inv.CommitGet(item)

	completed, ok, err := inv.BeginComplete(item.Handle)
	if err != nil || !ok {
		t.Fatalf("begin_complete: ok=%v err=%v", ok, err)
	}

	inv.CommitComplete(completed, 0)

	if errno := <-req.results; errno != 0 {
		t.Fatalf("got errno %d, want 0", errno)
	}

	free, awaitingGet, beingGotten, awaitingCompletion, beingCompleted := inv.Counts()
	if free != 4 || awaitingGet+beingGotten+awaitingCompletion+beingCompleted != 0 {
		t.Fatalf("slot not freed: free=%d ag=%d bg=%d ac=%d bc=%d",
			free, awaitingGet, beingGotten, awaitingCompletion, beingCompleted)
	}
}

func TestAbortGetReturnsItemToReadyList(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	_, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}

	inv.AbortGet(item)

	item2, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get after abort: %v", err)
	}
	if item2.Handle != item.Handle {
		t.Fatalf("expected same handle redelivered, got %+v vs %+v", item2, item)
	}
}

func TestTimeoutOnBeingGottenResetsTimer(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	h, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := inv.BeginGet(context.Background()); err != nil {
		t.Fatalf("begin_get: %v", err)
	}

	if res := inv.Timeout(h); res != TimeoutResetTimer {
		t.Fatalf("got %v, want TimeoutResetTimer", res)
	}
}

func TestTimeoutOnAwaitingGetFreesSlot(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	h, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if res := inv.Timeout(h); res != TimeoutDone {
		t.Fatalf("got %v, want TimeoutDone", res)
	}
	if errno := <-req.results; errno != bduserr.ETIMEDOUT {
		t.Fatalf("got errno %d, want ETIMEDOUT", errno)
	}
}

func TestTimeoutOnStaleHandleIsDone(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	h, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	inv.Timeout(h) // frees the slot, bumping its seqnum

	if res := inv.Timeout(h); res != TimeoutDone {
		t.Fatalf("stale handle timeout: got %v, want TimeoutDone", res)
	}
}

func TestDeviceAvailablePrecedesRealItems(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	inv.SubmitDeviceAvailable()

	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	if item.Type != wire.ItemDeviceAvailable {
		t.Fatalf("got %v, want DEVICE_AVAILABLE first", item.Type)
	}
}

func TestTerminateIsPerpetualAndCancelsOutstanding(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	inv.Terminate()

	if errno := <-req.results; errno != bduserr.EIO {
		t.Fatalf("got errno %d, want EIO", errno)
	}

	for i := 0; i < 3; i++ {
		item, err := inv.BeginGet(context.Background())
		if err != nil {
			t.Fatalf("begin_get: %v", err)
		}
		if item.Type != wire.ItemTerminate {
			t.Fatalf("got %v, want perpetual TERMINATE", item.Type)
		}
	}
}

func TestDeactivateFlushThenTerminate(t *testing.T) {
	inv := New(2, allSupported())

	inv.Deactivate(true)

	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	if item.Type != wire.ItemFlushAndTerminate {
		t.Fatalf("got %v, want FLUSH_AND_TERMINATE", item.Type)
	}

	item2, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	if item2.Type != wire.ItemTerminate {
		t.Fatalf("got %v, want TERMINATE after the single flush", item2.Type)
	}
}

func TestActivateRequeuesAwaitingCompletion(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	inv.CommitGet(item)

	inv.Deactivate(false)
	inv.Activate()

	next, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get after activate: %v", err)
	}
	if next.Type != wire.ItemDeviceAvailable {
		t.Fatalf("got %v, want DEVICE_AVAILABLE re-armed by Activate", next.Type)
	}

	redelivered, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get for requeued item: %v", err)
	}
	if redelivered.Handle != item.Handle {
		t.Fatalf("expected in-flight request requeued, got %+v vs %+v", redelivered, item)
	}
}

func TestBeginGetInterruptibleByContext(t *testing.T) {
	inv := New(2, allSupported())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := inv.BeginGet(ctx)
	if err != bduserr.ErrInterrupted {
		t.Fatalf("got %v, want ErrInterrupted", err)
	}
}

func TestIoctlErrnoSanitization(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemIoctl)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	inv.CommitGet(item)
	completed, ok, err := inv.BeginComplete(item.Handle)
	if err != nil || !ok {
		t.Fatalf("begin_complete: ok=%v err=%v", ok, err)
	}

	inv.CommitComplete(completed, bduserr.ENOSYS)

	if errno := <-req.results; errno != bduserr.EIO {
		t.Fatalf("ENOSYS on ioctl should sanitize to EIO, got %d", errno)
	}
}

func TestSuccessfulIoctlIsNotSanitizedToEIO(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemIoctl)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	inv.CommitGet(item)
	completed, ok, err := inv.BeginComplete(item.Handle)
	if err != nil || !ok {
		t.Fatalf("begin_complete: ok=%v err=%v", ok, err)
	}

	inv.CommitComplete(completed, bduserr.ESuccess)

	if errno := <-req.results; errno != bduserr.ESuccess {
		t.Fatalf("successful ioctl should not be sanitized, got %d", errno)
	}
}

func TestNonIoctlErrnoSanitization(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	if _, err := inv.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	item, err := inv.BeginGet(context.Background())
	if err != nil {
		t.Fatalf("begin_get: %v", err)
	}
	inv.CommitGet(item)
	completed, ok, err := inv.BeginComplete(item.Handle)
	if err != nil || !ok {
		t.Fatalf("begin_complete: ok=%v err=%v", ok, err)
	}

	inv.CommitComplete(completed, bduserr.ENOSPC)

	if errno := <-req.results; errno != bduserr.ENOSPC {
		t.Fatalf("ENOSPC is allow-listed for non-ioctl, got %d", errno)
	}
}

func TestStaleReplyIsSilentlyDropped(t *testing.T) {
	inv := New(2, allSupported())
	req := newFakeRequest(wire.ItemWrite)

	h, err := inv.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	inv.Timeout(h) // frees the slot and bumps its seqnum under the client's feet

	_, ok, err := inv.BeginComplete(h)
	if err != nil {
		t.Fatalf("begin_complete on stale handle should not error, got %v", err)
	}
	if ok {
		t.Fatalf("begin_complete on stale handle should be silently dropped")
	}
}
