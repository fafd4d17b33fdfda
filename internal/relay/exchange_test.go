package relay

import (
	"errors"
	"testing"
)

type recordingSink struct {
	deltas    []string
	totals    []string
	finals    []string
	errs      []error
	completes int
}

func (r *recordingSink) OnDelta(total, fragment string) {
	r.totals = append(r.totals, total)
	r.deltas = append(r.deltas, fragment)
}

func (r *recordingSink) OnComplete(final string) {
	r.finals = append(r.finals, final)
	r.completes++
}

func (r *recordingSink) OnError(err error) {
	r.errs = append(r.errs, err)
}

func TestExchangeAccumulates(t *testing.T) {
	sink := &recordingSink{}
	ex := NewExchange(sink)

	ex.Append("Hi")
	ex.Append(" there")
	ex.Complete()

	if got := ex.State(); got != StateCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if len(sink.deltas) != 2 || sink.deltas[0] != "Hi" || sink.deltas[1] != " there" {
		t.Fatalf("unexpected deltas %v", sink.deltas)
	}
	if sink.totals[0] != "Hi" || sink.totals[1] != "Hi there" {
		t.Fatalf("unexpected cumulative totals %v", sink.totals)
	}
	if sink.completes != 1 || sink.finals[0] != "Hi there" {
		t.Fatalf("expected one finalize with full text, got %v", sink.finals)
	}
}

func TestExchangeFinalizeIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	ex := NewExchange(sink)

	ex.Append("partial")
	ex.Complete()
	ex.Complete()
	ex.Abort()
	ex.Fail(errors.New("late"))

	if sink.completes != 1 {
		t.Fatalf("expected exactly one finalize, got %d", sink.completes)
	}
	if len(sink.errs) != 0 {
		t.Fatalf("error after terminal state must be dropped, got %v", sink.errs)
	}
	if got := ex.State(); got != StateCompleted {
		t.Fatalf("terminal state must not change, got %s", got)
	}
}

func TestExchangeAbortBeforeFirstByte(t *testing.T) {
	sink := &recordingSink{}
	ex := NewExchange(sink)

	ex.Abort()

	if sink.completes != 1 || sink.finals[0] != "" {
		t.Fatalf("expected one finalize with empty text, got %v", sink.finals)
	}
	if got := ex.State(); got != StateAborted {
		t.Fatalf("expected aborted, got %s", got)
	}
}

func TestExchangeFailDeliversPartialText(t *testing.T) {
	sink := &recordingSink{}
	ex := NewExchange(sink)

	ex.Append("kept")
	ex.Fail(Errorf(KindBackendUnreachable, "connection reset"))

	if len(sink.errs) != 1 {
		t.Fatalf("expected error notification, got %v", sink.errs)
	}
	if KindOf(sink.errs[0]) != KindBackendUnreachable {
		t.Fatalf("unexpected kind %s", KindOf(sink.errs[0]))
	}
	if sink.completes != 1 || sink.finals[0] != "kept" {
		t.Fatalf("partial text must survive an error, got %v", sink.finals)
	}
}

func TestExchangeDropsAppendsAfterTerminal(t *testing.T) {
	sink := &recordingSink{}
	ex := NewExchange(sink)

	ex.Append("a")
	ex.Complete()
	ex.Append("b")

	if got := ex.Text(); got != "a" {
		t.Fatalf("append after finalize must be dropped, got %q", got)
	}
	if len(sink.deltas) != 1 {
		t.Fatalf("unexpected deltas %v", sink.deltas)
	}
}
