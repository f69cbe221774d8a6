package colo

import (
	"context"
	"sync"
	"time"

	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

// State is one node of the orchestrator state table.
type State int

const (
	SecondaryStartup State = iota + 1
	SecondaryWait
	SecondaryColoRunning
	PrimaryStartup
	PrimaryWait
	PrimaryStartMigration
	PrimaryColoRunning
	StateFailoverSync
	Failover
	FailedPeerFailover
	StateFailed
	StateQuit
	StateAutoQuit
)

func (s State) String() string {
	switch s {
	case SecondaryStartup:
		return "SecondaryStartup"
	case SecondaryWait:
		return "SecondaryWait"
	case SecondaryColoRunning:
		return "SecondaryColoRunning"
	case PrimaryStartup:
		return "PrimaryStartup"
	case PrimaryWait:
		return "PrimaryWait"
	case PrimaryStartMigration:
		return "PrimaryStartMigration"
	case PrimaryColoRunning:
		return "PrimaryColoRunning"
	case StateFailoverSync:
		return "FailoverSync"
	case Failover:
		return "Failover"
	case FailedPeerFailover:
		return "FailedPeerFailover"
	case StateFailed:
		return "Failed"
	case StateQuit:
		return "Quit"
	case StateAutoQuit:
		return "AutoQuit"
	default:
		return "Unknown"
	}
}

// Command is one step of a configured hypervisor command array
// (migration_start, migration_switchover, failover_primary,
// failover_secondary).
type Command struct {
	Execute   string
	Arguments map[string]interface{}
}

// Config holds the orchestrator's static configuration.
type Config struct {
	InstanceName string
	NodeName     string
	Primary      bool

	TimeoutLow  time.Duration
	TimeoutHigh time.Duration

	// GraceTimer is the configurable resolution of the grace-period question:
	// the source's 10 s grace timer after two RESUME events in
	// PrimaryColoRunning, kept configurable but sequence-preserving.
	GraceTimer time.Duration

	MigrationStart      []Command
	MigrationSwitchover []Command
	FailoverPrimary     []Command
	FailoverSecondary   []Command
}

// RuntimeFlags is the orchestrator's externally-visible status,
// safe for concurrent reads from query-status while the orchestrator
// goroutine mutates it.
type RuntimeFlags struct {
	mu            sync.RWMutex
	primary       bool
	replication   bool
	failed        bool
	peerFailed    bool
	peerFailover  bool
	yellow        bool
	peerYellow    bool
	qemuQuit      bool
	transitioning bool
	peer          string
}

// FlagSnapshot is an immutable copy of RuntimeFlags for query-status.
type FlagSnapshot struct {
	Primary       bool
	Replication   bool
	Failed        bool
	PeerFailed    bool
	PeerFailover  bool
	Yellow        bool
	PeerYellow    bool
	QemuQuit      bool
	Transitioning bool
	Peer          string
}

func (f *RuntimeFlags) snapshot() FlagSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FlagSnapshot{
		Primary:       f.primary,
		Replication:   f.replication,
		Failed:        f.failed,
		PeerFailed:    f.peerFailed,
		PeerFailover:  f.peerFailover,
		Yellow:        f.yellow,
		PeerYellow:    f.peerYellow,
		QemuQuit:      f.qemuQuit,
		Transitioning: f.transitioning,
		Peer:          f.peer,
	}
}

func (f *RuntimeFlags) setPrimary(v bool) {
	f.mu.Lock()
	f.primary = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setReplication(v bool) {
	f.mu.Lock()
	f.replication = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setFailed(v bool) {
	f.mu.Lock()
	f.failed = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setPeerFailed(v bool) {
	f.mu.Lock()
	f.peerFailed = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setPeerFailover(v bool) {
	f.mu.Lock()
	f.peerFailover = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setYellow(v bool) {
	f.mu.Lock()
	f.yellow = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setPeerYellow(v bool) {
	f.mu.Lock()
	f.peerYellow = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) getYellows() (yellow, peerYellow bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.yellow, f.peerYellow
}

func (f *RuntimeFlags) setQemuQuit(v bool) {
	f.mu.Lock()
	f.qemuQuit = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) getQemuQuit() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.qemuQuit
}

func (f *RuntimeFlags) setTransitioning(v bool) {
	f.mu.Lock()
	f.transitioning = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) setPeer(v string) {
	f.mu.Lock()
	f.peer = v
	f.mu.Unlock()
}

func (f *RuntimeFlags) getPeer() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peer
}

func (f *RuntimeFlags) getPrimaryReplication() (primary, replication bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.primary, f.replication
}

// Orchestrator is the state machine: it consumes the event queue, drives
// the hypervisor channel and announces over the group transport, all
// three supplied (and closed) by the caller, and drives transitions via
// a switch on the current state in step, generalised from a
// switch-on-kind dispatch (pkg/mcast/core/peer.go's process) into
// switch-on-state.
type Orchestrator struct {
	log   logging.Logger
	cfg   Config
	queue *EventQueue
	ch    *qmp.Channel
	tr    group.Transport
	flags RuntimeFlags

	cmdMu               sync.RWMutex
	migrationStart      []Command
	migrationSwitchover []Command
	failoverPrimary     []Command
	failoverSecondary   []Command

	quorum *quorumWatcher

	state State
	done  chan struct{}
}

// The set-migration-start / set-migration-switchover / set-primary-
// failover / set-secondary-failover client commands reconfigure these
// arrays at runtime (R2); a primary transition always issues whatever is
// currently configured, verbatim and in order.

func (o *Orchestrator) SetMigrationStart(cmds []Command) {
	o.cmdMu.Lock()
	o.migrationStart = cmds
	o.cmdMu.Unlock()
}

func (o *Orchestrator) SetMigrationSwitchover(cmds []Command) {
	o.cmdMu.Lock()
	o.migrationSwitchover = cmds
	o.cmdMu.Unlock()
}

func (o *Orchestrator) SetFailoverPrimary(cmds []Command) {
	o.cmdMu.Lock()
	o.failoverPrimary = cmds
	o.cmdMu.Unlock()
}

func (o *Orchestrator) SetFailoverSecondary(cmds []Command) {
	o.cmdMu.Lock()
	o.failoverSecondary = cmds
	o.cmdMu.Unlock()
}

func (o *Orchestrator) getMigrationStart() []Command {
	o.cmdMu.RLock()
	defer o.cmdMu.RUnlock()
	return o.migrationStart
}

func (o *Orchestrator) getMigrationSwitchover() []Command {
	o.cmdMu.RLock()
	defer o.cmdMu.RUnlock()
	return o.migrationSwitchover
}

func (o *Orchestrator) getFailoverPrimary() []Command {
	o.cmdMu.RLock()
	defer o.cmdMu.RUnlock()
	return o.failoverPrimary
}

func (o *Orchestrator) getFailoverSecondary() []Command {
	o.cmdMu.RLock()
	defer o.cmdMu.RUnlock()
	return o.failoverSecondary
}

// NewOrchestrator wires the three event sources together and returns an
// orchestrator ready to Run. The caller retains ownership of ch and tr:
// the orchestrator never closes them, and they must stay open while Run
// is active.
func NewOrchestrator(cfg Config, queue *EventQueue, ch *qmp.Channel, tr group.Transport, log logging.Logger) *Orchestrator {
	o := &Orchestrator{
		log:   log,
		cfg:   cfg,
		queue: queue,
		ch:    ch,
		tr:    tr,
		done:  make(chan struct{}),
	}
	o.flags.setPrimary(cfg.Primary)
	o.flags.setPeer("")
	o.migrationStart = cfg.MigrationStart
	o.migrationSwitchover = cfg.MigrationSwitchover
	o.failoverPrimary = cfg.FailoverPrimary
	o.failoverSecondary = cfg.FailoverSecondary

	ch.OnHup(func() {
		o.flags.setQemuQuit(true)
		if err := o.queue.Add(Failed, nil); err != nil {
			o.log.Errorf("orchestrator: raising Failed on hup: %v", err)
		}
	})
	tr.OnDeliver(o.onDeliver)
	tr.OnPeerLeft(o.onPeerLeft)

	o.quorum = newQuorumWatcher(ch, queue, &o.flags, tr, log)

	if cfg.Primary {
		o.state = PrimaryStartup
	} else {
		o.state = SecondaryStartup
	}
	return o
}

// AttachYellowDebouncer wires the link-monitor's debouncer into the
// quorum watcher, so a nbd0-unrelated QUORUM_REPORT_BAD can short-
// circuit the hysteresis window. The monitor_interface flag is
// optional, so this may never be called.
func (o *Orchestrator) AttachYellowDebouncer(y *YellowDebouncer) {
	o.quorum.setYellowDebouncer(y)
}

func (o *Orchestrator) onDeliver(kind group.MessageKind, fromSelf bool) {
	switch kind {
	case group.Failover:
		if fromSelf {
			if err := o.queue.Add(FailoverWin, nil); err != nil {
				o.log.Errorf("orchestrator: raising FailoverWin: %v", err)
			}
		} else if err := o.queue.Add(PeerFailover, nil); err != nil {
			o.log.Errorf("orchestrator: raising PeerFailover: %v", err)
		}
	case group.Failed:
		if !fromSelf {
			o.flags.setPeerFailed(true)
		}
	case group.Yellow:
		if !fromSelf {
			o.flags.setPeerYellow(true)
		}
	case group.Unyellow:
		if !fromSelf {
			o.flags.setPeerYellow(false)
		}
	case group.Hello:
		// presence announcement only; no state change.
	}
}

// onPeerLeft treats membership loss as a failover-sync trigger.
func (o *Orchestrator) onPeerLeft() {
	o.flags.setPeerFailed(true)
	if err := o.queue.Add(FailoverSync, nil); err != nil {
		o.log.Errorf("orchestrator: raising FailoverSync on peer-left: %v", err)
	}
}

// Status returns a point-in-time snapshot for query-status.
func (o *Orchestrator) Status() FlagSnapshot {
	return o.flags.snapshot()
}

// ExpectedFlags adapts the orchestrator's current (primary, replication)
// pair to the Watchdog.ExpectedFlags signature.
func (o *Orchestrator) ExpectedFlags() (primary, replication bool) {
	return o.flags.getPrimaryReplication()
}

// SetPeer, QueryPeer, ClearPeer back the client adapter's set-peer /
// query-peer / clear-peer commands (R1).
func (o *Orchestrator) SetPeer(peer string) { o.flags.setPeer(peer) }
func (o *Orchestrator) QueryPeer() string   { return o.flags.getPeer() }
func (o *Orchestrator) ClearPeer()          { o.flags.setPeer("") }

// RaiseStartMigration enqueues the client-adapter-triggered
// start-migration command.
func (o *Orchestrator) RaiseStartMigration() error {
	return o.queue.Add(StartMigration, nil)
}

// RaiseQuit/RaiseAutoQuit back the client adapter's quit/autoquit
// commands.
func (o *Orchestrator) RaiseQuit() error     { return o.queue.Add(Quit, nil) }
func (o *Orchestrator) RaiseAutoQuit() error { return o.queue.Add(AutoQuit, nil) }

// interruptCheck is passed to WaitEvent calls throughout; it reports
// whether the queue's head is currently interrupting under the state's
// declared set (interrupt surfacing checked first).
func (o *Orchestrator) interruptCheck() bool {
	return o.queue.PendingInterrupt()
}

// Done closes once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Run drives the state machine until a terminal state is reached or ctx
// is cancelled. It broadcasts Hello on entry.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if err := o.tr.Send(group.Hello); err != nil {
		o.log.Warnf("orchestrator: broadcasting Hello: %v", err)
	}

	for {
		o.log.Debugf("orchestrator: entering state %s", o.state)
		next, err := o.step(ctx)
		if err != nil {
			return err
		}
		if next == StateQuit {
			return nil
		}
		o.state = next
	}
}

func (o *Orchestrator) step(ctx context.Context) (State, error) {
	switch o.state {
	case SecondaryStartup:
		return o.stepSecondaryStartup(ctx)
	case SecondaryWait:
		return o.stepSecondaryWait(ctx)
	case SecondaryColoRunning:
		return o.stepColoRunning(ctx, false)
	case PrimaryStartup:
		return o.stepPrimaryStartup(ctx)
	case PrimaryWait:
		return o.stepPrimaryWait(ctx)
	case PrimaryStartMigration:
		return o.stepPrimaryStartMigration(ctx)
	case PrimaryColoRunning:
		return o.stepColoRunning(ctx, true)
	case StateFailoverSync:
		return o.stepFailoverSync(ctx)
	case Failover:
		return o.stepFailover(ctx)
	case FailedPeerFailover:
		o.flags.setPeerFailover(true)
		return StateFailed, nil
	case StateFailed:
		return o.stepFailed(ctx)
	case StateAutoQuit:
		return o.stepAutoQuit(ctx)
	default:
		return StateQuit, nil
	}
}

func (o *Orchestrator) stepSecondaryStartup(ctx context.Context) (State, error) {
	if _, err := o.ch.Execute(ctx, "qmp_capabilities", map[string]interface{}{"enable": []string{"oob"}}); err != nil {
		o.log.Errorf("orchestrator: enabling capabilities: %v", err)
		return StateFailed, nil
	}
	return SecondaryWait, nil
}

func (o *Orchestrator) stepPrimaryStartup(ctx context.Context) (State, error) {
	if _, err := o.ch.Execute(ctx, "qmp_capabilities", map[string]interface{}{"enable": []string{"oob"}}); err != nil {
		o.log.Errorf("orchestrator: enabling capabilities: %v", err)
		return StateFailed, nil
	}
	return PrimaryWait, nil
}

// stepSecondaryWait implements SecondaryWait: loop waiting for RESUME,
// dispatching interrupting events as they surface, clearing peer_failed
// on a failover-sync that turns out to not concern us.
func (o *Orchestrator) stepSecondaryWait(ctx context.Context) (State, error) {
	o.queue.SetInterrupting(FailoverSync, FailoverWin, Yellow, Unyellow)

	for {
		_, err := o.ch.WaitEvent(ctx, o.cfg.TimeoutHigh, `{"event":"RESUME"}`, o.interruptCheck)
		if err == nil {
			qmp.StartRaiseTimeout(o.ch, o.cfg.TimeoutLow, o.cfg.TimeoutHigh, o.interruptCheck)
			return SecondaryColoRunning, nil
		}
		if err != qmp.ErrInterrupt {
			o.log.Errorf("orchestrator: waiting for RESUME: %v", err)
			return StateFailed, nil
		}

		ev := o.queue.Remove()
		if ev == nil {
			continue
		}
		if alwaysInterrupting[ev.Kind] {
			return o.dispatchAlwaysInterrupting(ev)
		}
		if ev.Kind == FailoverSync {
			o.flags.setPeerFailed(false)
			continue
		}
		// Yellow/Unyellow observed while waiting: recorded but doesn't
		// change the wait.
		o.applyYellowEvent(ev, false)
	}
}

// stepColoRunning implements the shared SecondaryColoRunning /
// PrimaryColoRunning body; isPrimary selects the extra two-RESUME +
// grace-timer sequence that only the primary side runs.
func (o *Orchestrator) stepColoRunning(ctx context.Context, isPrimary bool) (State, error) {
	o.queue.SetInterrupting(FailoverSync)
	o.flags.setReplication(true)

	if isPrimary {
		for i := 0; i < 2; i++ {
			if _, err := o.ch.WaitEvent(ctx, o.cfg.TimeoutHigh, `{"event":"RESUME"}`, o.interruptCheck); err != nil {
				if err == qmp.ErrInterrupt {
					ev := o.queue.Remove()
					if ev != nil && alwaysInterrupting[ev.Kind] {
						return o.dispatchAlwaysInterrupting(ev)
					}
					if ev != nil && ev.Kind == FailoverSync {
						return StateFailoverSync, nil
					}
				}
				o.log.Errorf("orchestrator: waiting for post-migration RESUME: %v", err)
				return StateFailed, nil
			}
		}

		grace := o.cfg.GraceTimer
		if grace <= 0 {
			grace = 10 * time.Second
		}
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return StateQuit, ctx.Err()
		}
		timer.Stop()

		yellow, peerYellow := o.flags.getYellows()
		if yellow && !peerYellow {
			o.log.Warnf("orchestrator: grace timer expired with local yellow unacknowledged by peer")
			return StateFailed, nil
		}
	}

	for {
		ev := o.queue.Wait(ctx)
		if ev == nil {
			return StateQuit, ctx.Err()
		}
		if alwaysInterrupting[ev.Kind] {
			return o.dispatchAlwaysInterrupting(ev)
		}
		switch ev.Kind {
		case FailoverSync:
			return StateFailoverSync, nil
		case Yellow, Unyellow:
			o.applyYellowEvent(ev, isPrimary)
			if isPrimary {
				yellow, peerYellow := o.flags.getYellows()
				if yellow && !peerYellow {
					return StateFailed, nil
				}
			}
		}
	}
}

func (o *Orchestrator) applyYellowEvent(ev *Event, _ bool) {
	switch ev.Kind {
	case Yellow:
		o.flags.setYellow(true)
		if err := o.tr.Send(group.Yellow); err != nil {
			o.log.Warnf("orchestrator: announcing Yellow: %v", err)
		}
	case Unyellow:
		o.flags.setYellow(false)
		if err := o.tr.Send(group.Unyellow); err != nil {
			o.log.Warnf("orchestrator: announcing Unyellow: %v", err)
		}
	}
}

func (o *Orchestrator) stepPrimaryWait(ctx context.Context) (State, error) {
	o.flags.setPrimary(true)
	o.flags.setReplication(false)

	for {
		ev := o.queue.Wait(ctx)
		if ev == nil {
			return StateQuit, ctx.Err()
		}
		switch ev.Kind {
		case StartMigration:
			return PrimaryStartMigration, nil
		case PeerFailover:
			// May arrive late (our own already-resolved win); ignore.
			continue
		case Failed, Quit, AutoQuit:
			return o.dispatchAlwaysInterrupting(ev)
		}
	}
}

// stepPrimaryStartMigration implements the multi-step migration
// handshake, checking the queue for an interrupt before each
// step and synthesising FailoverSync on any hypervisor error.
func (o *Orchestrator) stepPrimaryStartMigration(ctx context.Context) (State, error) {
	o.queue.SetInterrupting(FailoverSync)

	steps := []func(context.Context) error{
		func(ctx context.Context) error {
			_, err := o.ch.Execute(ctx, "qmp_capabilities", map[string]interface{}{"enable": []string{"oob"}})
			return err
		},
		func(ctx context.Context) error {
			return o.runCommands(ctx, o.getMigrationStart())
		},
		func(ctx context.Context) error {
			_, err := o.ch.WaitEvent(ctx, 5*time.Minute, `{"event":"MIGRATION","data":{"status":"pre-switchover"}}`, o.interruptCheck)
			return err
		},
		func(ctx context.Context) error {
			return o.runCommands(ctx, o.getMigrationSwitchover())
		},
		func(ctx context.Context) error {
			_, err := o.ch.Execute(ctx, "migrate-continue", map[string]interface{}{"state": "pre-switchover"})
			if err != nil {
				return err
			}
			qmp.StartRaiseTimeout(o.ch, o.cfg.TimeoutLow, o.cfg.TimeoutHigh, o.interruptCheck)
			return nil
		},
		func(ctx context.Context) error {
			_, err := o.ch.WaitEvent(ctx, 10*time.Second, `{"event":"MIGRATION","data":{"status":"colo"}}`, o.interruptCheck)
			return err
		},
	}

	for _, step := range steps {
		if o.interruptCheck() {
			ev := o.queue.Remove()
			o.bestEffortCancelMigration(ctx)
			if ev != nil && alwaysInterrupting[ev.Kind] {
				return o.dispatchAlwaysInterrupting(ev)
			}
			return StateFailoverSync, nil
		}

		if err := step(ctx); err != nil {
			if err == qmp.ErrInterrupt {
				ev := o.queue.Remove()
				o.bestEffortCancelMigration(ctx)
				if ev != nil && alwaysInterrupting[ev.Kind] {
					return o.dispatchAlwaysInterrupting(ev)
				}
				return StateFailoverSync, nil
			}
			o.log.Errorf("orchestrator: migration step failed: %v", err)
			return StateFailoverSync, nil
		}
	}

	return PrimaryColoRunning, nil
}

func (o *Orchestrator) bestEffortCancelMigration(ctx context.Context) {
	if _, err := o.ch.ExecuteNocheck(ctx, "migrate_cancel", nil); err != nil {
		o.log.Warnf("orchestrator: migrate_cancel: %v", err)
	}
}

// runCommands executes a configured command array verbatim, in order
// (R2), aborting on the first error.
func (o *Orchestrator) runCommands(ctx context.Context, commands []Command) error {
	for _, cmd := range commands {
		if _, err := o.ch.Execute(ctx, cmd.Execute, cmd.Arguments); err != nil {
			return err
		}
	}
	return nil
}

// runCommandsBestEffort executes a configured command array, logging
// but not propagating per-command errors (used only in Failover
// failure semantics: "Any execute during the failover execution array is
// best-effort").
func (o *Orchestrator) runCommandsBestEffort(ctx context.Context, commands []Command) {
	for _, cmd := range commands {
		if _, err := o.ch.ExecuteNocheck(ctx, cmd.Execute, cmd.Arguments); err != nil {
			o.log.Warnf("orchestrator: failover command %s: %v", cmd.Execute, err)
		}
	}
}

func (o *Orchestrator) stepFailoverSync(ctx context.Context) (State, error) {
	o.flags.setTransitioning(true)
	if err := o.tr.Send(group.Failover); err != nil {
		o.log.Warnf("orchestrator: broadcasting Failover: %v", err)
	}

	for {
		ev := o.queue.Wait(ctx)
		if ev == nil {
			return StateQuit, ctx.Err()
		}
		switch ev.Kind {
		case FailoverWin:
			return Failover, nil
		default:
			if alwaysInterrupting[ev.Kind] {
				return o.dispatchAlwaysInterrupting(ev)
			}
		}
	}
}

func (o *Orchestrator) stepFailover(ctx context.Context) (State, error) {
	o.queue.SetInterrupting()

	if err := o.ch.Yank(ctx, o.cfg.TimeoutLow); err != nil {
		o.log.Warnf("orchestrator: yank during failover: %v", err)
	}

	primary, _ := o.flags.getPrimaryReplication()
	if primary {
		o.runCommandsBestEffort(ctx, o.getFailoverPrimary())
	} else {
		o.runCommandsBestEffort(ctx, o.getFailoverSecondary())
	}

	o.flags.setPeer("")
	o.flags.setTransitioning(false)
	return PrimaryWait, nil
}

func (o *Orchestrator) stepFailed(ctx context.Context) (State, error) {
	o.flags.setFailed(true)
	if err := o.tr.Send(group.Failed); err != nil {
		o.log.Warnf("orchestrator: broadcasting Failed: %v", err)
	}
	o.ch.SetTimeout(o.cfg.TimeoutLow)
	if _, err := o.ch.ExecuteNocheck(ctx, "stop", nil); err != nil {
		o.log.Warnf("orchestrator: best-effort stop: %v", err)
	}

	for {
		ev := o.queue.Wait(ctx)
		if ev == nil {
			return StateQuit, ctx.Err()
		}
		switch ev.Kind {
		case PeerFailover:
			o.flags.setPeerFailover(true)
		case Quit:
			return StateQuit, nil
		case AutoQuit:
			if o.flags.getQemuQuit() {
				return StateQuit, nil
			}
			return StateAutoQuit, nil
		}
	}
}

func (o *Orchestrator) stepAutoQuit(ctx context.Context) (State, error) {
	o.flags.setFailed(true)
	if err := o.tr.Send(group.Failed); err != nil {
		o.log.Warnf("orchestrator: broadcasting Failed: %v", err)
	}

	for {
		if o.flags.getQemuQuit() {
			return StateQuit, nil
		}
		ev := o.queue.Wait(ctx)
		if ev == nil {
			return StateQuit, ctx.Err()
		}
		if ev.Kind == Quit {
			return StateQuit, nil
		}
	}
}

// dispatchAlwaysInterrupting handles the four always-interrupting kinds
// the moment they surface, regardless of which state observed them.
func (o *Orchestrator) dispatchAlwaysInterrupting(ev *Event) (State, error) {
	switch ev.Kind {
	case Failed:
		return StateFailed, nil
	case PeerFailover:
		return FailedPeerFailover, nil
	case Quit:
		return StateQuit, nil
	case AutoQuit:
		if o.flags.getQemuQuit() {
			return StateQuit, nil
		}
		return StateAutoQuit, nil
	default:
		return StateFailed, nil
	}
}
