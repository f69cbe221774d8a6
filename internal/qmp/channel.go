// Package qmp implements the hypervisor control channel: a line-framed
// JSON request/response stream plus a unidirectional yank side-channel,
// with asynchronous event dispatch, timeout escalation across
// stop/resume windows, and an at-most-one-outstanding-operation
// invariant.
//
// Grounded on a poll/consume goroutine pair, generalised from typed
// message unmarshalling to structural gjson/sjson matching so the
// hypervisor command vocabulary is treated as opaque JSON subtrees.
package qmp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/tidwall/sjson"
)

const writeTimeout = time.Second

// Channel wraps one hypervisor process's control stream plus its yank
// side-channel.
type Channel struct {
	log logging.Logger

	conn     io.ReadWriteCloser
	yankConn io.Writer

	writeMu sync.Mutex
	execMu  sync.Mutex
	yankMu  sync.Mutex

	timeoutMu sync.RWMutex
	timeout   time.Duration

	replyCh chan Result

	subMu    sync.Mutex
	subs     map[int]chan Result
	nextSub  int
	hupFns   []func()
	hupFired int32

	yankPending int32
	closed      int32
	closeOnce   sync.Once
}

// NewChannel constructs a Channel over conn (the bidirectional main
// stream) and yankConn (the unidirectional aux stream), starting the
// read loop immediately.
func NewChannel(conn io.ReadWriteCloser, yankConn io.Writer, timeout time.Duration, log logging.Logger) *Channel {
	c := &Channel{
		log:      log,
		conn:     conn,
		yankConn: yankConn,
		timeout:  timeout,
		replyCh:  make(chan Result, 1),
		subs:     make(map[int]chan Result),
	}
	go c.readLoop()
	return c
}

func (c *Channel) getTimeout() time.Duration {
	c.timeoutMu.RLock()
	defer c.timeoutMu.RUnlock()
	return c.timeout
}

// SetTimeout changes the default timeout used by subsequent Execute
// calls.
func (c *Channel) SetTimeout(d time.Duration) {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()
	c.timeout = d
}

func (c *Channel) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		result, err := parseResult(line)
		if err != nil {
			c.log.Warnf("qmp: %v: %q", err, line)
			continue
		}

		if result.EventName() != "" {
			c.dispatchEvent(result)
			continue
		}

		select {
		case c.replyCh <- result:
		default:
			c.log.Warnf("qmp: dropping unsolicited reply %q", result.Raw)
		}
	}
	c.fireHup()
}

func (c *Channel) dispatchEvent(result Result) {
	c.subMu.Lock()
	chans := make([]chan Result, 0, len(c.subs))
	for _, ch := range c.subs {
		chans = append(chans, ch)
	}
	c.subMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- result:
		default:
		}
	}
}

func (c *Channel) fireHup() {
	if !atomic.CompareAndSwapInt32(&c.hupFired, 0, 1) {
		return
	}
	atomic.StoreInt32(&c.closed, 1)
	c.subMu.Lock()
	fns := append([]func(){}, c.hupFns...)
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnHup registers a callback fired once, when the main stream reaches
// EOF. The yank stream is only written, so its closing is not observed
// here. The orchestrator subscribes and raises Failed with qemu_quit set.
func (c *Channel) OnHup(fn func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.hupFns = append(c.hupFns, fn)
}

// Subscribe registers a persistent listener for every async event,
// independent of any in-flight Execute/WaitEvent call. Used by code that
// watches for events outside the main command/wait sequence (e.g. the
// orchestrator's QUORUM_REPORT_BAD watcher).
func (c *Channel) Subscribe() (<-chan Result, func()) {
	return c.subscribe()
}

func (c *Channel) subscribe() (chan Result, func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Result, 32)
	c.subs[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) writeLine(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(append(payload, '\n'))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(writeTimeout):
		return fmt.Errorf("qmp: %w: write exceeded %s", ErrTimeout, writeTimeout)
	}
}

func buildCommand(command string, arguments map[string]interface{}) ([]byte, error) {
	payload, err := sjson.SetBytes(nil, "execute", command)
	if err != nil {
		return nil, err
	}
	if arguments != nil {
		payload, err = sjson.SetBytes(payload, "arguments", arguments)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Execute serialises command, suspends until a correlated reply or
// timeout, and lifts an "error" reply member into ErrHypervisorCommand.
func (c *Channel) Execute(ctx context.Context, command string, arguments map[string]interface{}) (Result, error) {
	result, err := c.executeCommon(ctx, command, arguments)
	if err != nil {
		return result, err
	}
	if result.IsError() {
		return result, fmt.Errorf("%w: %s", ErrHypervisorCommand, result.ErrorMessage())
	}
	return result, nil
}

// ExecuteNocheck is identical to Execute but never lifts an "error"
// reply into a Go error; the caller inspects result.IsError() itself.
// Used on shutdown/best-effort paths.
func (c *Channel) ExecuteNocheck(ctx context.Context, command string, arguments map[string]interface{}) (Result, error) {
	return c.executeCommon(ctx, command, arguments)
}

func (c *Channel) executeCommon(ctx context.Context, command string, arguments map[string]interface{}) (Result, error) {
	if !c.execMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer c.execMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return Result{}, ErrClosed
	}

	payload, err := buildCommand(command, arguments)
	if err != nil {
		return Result{}, fmt.Errorf("qmp: building command: %w", err)
	}
	if err := c.writeLine(payload); err != nil {
		return Result{}, err
	}

	timeout := c.getTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-c.replyCh:
		return result, nil
	case <-timer.C:
		return Result{}, fmt.Errorf("%w: %s exceeded %s", ErrTimeout, command, timeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitEvent suspends until an unsolicited event structurally matches
// pattern or timeout fires, or interruptCheck reports a pending
// interrupting queue event. Interrupt surfacing is checked first on
// every wakeup.
func (c *Channel) WaitEvent(ctx context.Context, timeout time.Duration, pattern string, interruptCheck func() bool) (Result, error) {
	if !c.execMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer c.execMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return Result{}, ErrClosed
	}

	sub, cancel := c.subscribe()
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if interruptCheck != nil && interruptCheck() {
			return Result{}, ErrInterrupt
		}

		select {
		case ev := <-sub:
			if matchesPattern(ev.Parsed, pattern) {
				return ev, nil
			}
		case <-timer.C:
			return Result{}, fmt.Errorf("%w: waiting for %s", ErrTimeout, pattern)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Yank issues a yank on the auxiliary stream with its own short
// timeout; on success it sets yank_pending so the orchestrator can
// reconcile state afterwards.
func (c *Channel) Yank(ctx context.Context, timeout time.Duration) error {
	c.yankMu.Lock()
	defer c.yankMu.Unlock()

	payload, err := sjson.SetBytes(nil, "execute", "yank")
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.yankConn.Write(append(payload, '\n'))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(timeout):
		return fmt.Errorf("%w: yank exceeded %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	atomic.StoreInt32(&c.yankPending, 1)
	return nil
}

// YankPending reports whether a yank succeeded and hasn't been
// reconciled yet.
func (c *Channel) YankPending() bool {
	return atomic.LoadInt32(&c.yankPending) == 1
}

// ClearYank acknowledges that the orchestrator has reconciled state
// after a yank.
func (c *Channel) ClearYank() {
	atomic.StoreInt32(&c.yankPending, 0)
}

// Close releases the channel's resources. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		err = c.conn.Close()
	})
	return err
}
