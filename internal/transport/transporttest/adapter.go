// Package transporttest provides an in-memory Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	"rallybot/internal/transport"
)

// Call records one outgoing transport operation.
type Call struct {
	Op   string // "send", "edit", "pin", "unpin", "answer"
	Ref  transport.MessageRef
	To   transport.ChatTarget
	Text string
}

// Adapter is a scriptable in-memory transport. Zero value is ready to use.
type Adapter struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	// FailSend etc. make the next n operations of that kind fail.
	FailSend  int
	FailEdit  int
	FailPin   int
	FailUnpin int

	// Err is returned for scripted failures; defaults to ErrTransport.
	Err error
}

type transportError struct{}

func (transportError) Error() string { return "transport unavailable" }

// ErrTransport is the default scripted failure.
var ErrTransport = transportError{}

func (a *Adapter) failErr() error {
	if a.Err != nil {
		return a.Err
	}
	return ErrTransport
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error                               { return nil }

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailSend > 0 {
		a.FailSend--
		return transport.MessageRef{}, a.failErr()
	}
	a.nextID++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}
	a.calls = append(a.calls, Call{Op: "send", Ref: ref, To: to, Text: text})
	return ref, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailEdit > 0 {
		a.FailEdit--
		return a.failErr()
	}
	a.calls = append(a.calls, Call{Op: "edit", Ref: ref, Text: text})
	return nil
}

func (a *Adapter) PinMessage(ctx context.Context, ref transport.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailPin > 0 {
		a.FailPin--
		return a.failErr()
	}
	a.calls = append(a.calls, Call{Op: "pin", Ref: ref})
	return nil
}

func (a *Adapter) UnpinMessage(ctx context.Context, ref transport.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailUnpin > 0 {
		a.FailUnpin--
		return a.failErr()
	}
	a.calls = append(a.calls, Call{Op: "unpin", Ref: ref})
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Op: "answer", Text: text})
	return nil
}

// Calls returns a copy of the recorded operations.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// CallsOf filters recorded operations by kind.
func (a *Adapter) CallsOf(op string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
