package host

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// ErrDetached is returned while no shell is attached, or when the shell goes
// away before answering.
var ErrDetached = errors.New("extension shell not attached")

// Shell is the connected extension background page that executes commands.
type Shell interface {
	SendCommand(cmd Command) error
	Done() <-chan struct{}
}

// Result is the shell's answer to a Command.
type Result struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Relay implements Host by forwarding commands to the attached Shell.
// Only window creation waits for an answer; badge and close commands are
// sent and forgotten, their failures logged when the result comes back.
type Relay struct {
	timeout time.Duration

	mu       sync.Mutex
	shell    Shell
	pending  map[string]chan Result
	onClosed []func(WindowID)
}

func NewRelay(timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Relay{
		timeout: timeout,
		pending: make(map[string]chan Result),
	}
}

// Attach makes shell the command target, replacing any previous one. The
// relay detaches on its own once shell is done.
func (r *Relay) Attach(shell Shell) {
	r.mu.Lock()
	r.shell = shell
	r.mu.Unlock()

	log.Info("extension shell attached")

	go func() {
		<-shell.Done()
		r.mu.Lock()
		if r.shell == shell {
			r.shell = nil
			log.Warn("extension shell detached")
		}
		r.mu.Unlock()
	}()
}

func (r *Relay) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shell != nil
}

// Resolve delivers the shell's answer for command id.
func (r *Relay) Resolve(id string, res Result) {
	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		if res.Error != "" {
			log.Warn("host command failed", "id", id, "error", res.Error)
		}
		return
	}
	ch <- res
}

// OnWindowClosed registers fn to run when the user closes a window.
func (r *Relay) OnWindowClosed(fn func(WindowID)) {
	r.mu.Lock()
	r.onClosed = append(r.onClosed, fn)
	r.mu.Unlock()
}

// WindowClosed is reported by the shell when a window goes away.
func (r *Relay) WindowClosed(id WindowID) {
	r.mu.Lock()
	fns := append([]func(WindowID){}, r.onClosed...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(id)
	}
}

func (r *Relay) OpenWindow(ctx context.Context, spec WindowSpec) (WindowID, error) {
	raw, err := r.call(ctx, CommandOpenWindow, spec)
	if err != nil {
		return 0, err
	}

	var out struct {
		ID *WindowID `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, errors.Wrap(err, "decode window")
	}
	if out.ID == nil {
		return 0, errors.New("shell returned no window id")
	}
	return *out.ID, nil
}

func (r *Relay) CloseWindow(_ context.Context, id WindowID) error {
	return r.send(CommandCloseWindow, map[string]WindowID{"id": id})
}

func (r *Relay) SetBadge(_ context.Context, text string) error {
	return r.send(CommandSetBadge, map[string]string{"text": text})
}

func (r *Relay) send(name string, payload any) error {
	r.mu.Lock()
	shell := r.shell
	r.mu.Unlock()

	if shell == nil {
		return ErrDetached
	}
	if err := shell.SendCommand(Command{ID: uuid.NewString(), Command: name, Payload: payload}); err != nil {
		return errors.Wrapf(err, "send %s", name)
	}
	return nil
}

func (r *Relay) call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	r.mu.Lock()
	shell := r.shell
	if shell == nil {
		r.mu.Unlock()
		return nil, ErrDetached
	}
	id := uuid.NewString()
	ch := make(chan Result, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := shell.SendCommand(Command{ID: id, Command: name, Payload: payload}); err != nil {
		return nil, errors.Wrapf(err, "send %s", name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, errors.Newf("%s: %s", name, res.Error)
		}
		return res.Payload, nil
	case <-shell.Done():
		return nil, ErrDetached
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s", name)
	}
}
