package colo

import "errors"

// Error taxonomy per the design's propagation policy: Fatal at startup,
// Eof on the hypervisor channel becomes Failed, HypervisorCommand inside
// a transition synthesises FailoverSync (or is logged-and-continued
// inside a failover array), Timeout in a transition synthesises Failed,
// Interrupt unwinds the current state handler.
var (
	// ErrProtocol is a malformed hypervisor reply or event.
	ErrProtocol = errors.New("colo: protocol error")

	// ErrHypervisorCommand is a reply carrying an "error" member.
	ErrHypervisorCommand = errors.New("colo: hypervisor command error")

	// ErrTimeout is a channel operation that exceeded its deadline.
	ErrTimeout = errors.New("colo: timeout")

	// ErrEOF names a closed hypervisor stream. qmp.Channel reports EOF
	// through its OnHup callbacks rather than returning this value.
	ErrEOF = errors.New("colo: hypervisor channel eof")

	// ErrInterrupt names a wait cut short because a higher-priority
	// event became visible in the queue; qmp.Channel.WaitEvent reports
	// that case as qmp.ErrInterrupt.
	ErrInterrupt = errors.New("colo: interrupted by queued event")

	// ErrFatal covers configuration and startup failures.
	ErrFatal = errors.New("colo: fatal startup error")

	// ErrQueueFull is returned by EventQueue.Add when the queue is at
	// capacity; the caller must surface it, never drop silently.
	ErrQueueFull = errors.New("colo: event queue full")

	// ErrBusy names a second execute/wait_event attempted while one is
	// already outstanding on the same channel; qmp.Channel reports that
	// case as qmp.ErrBusy.
	ErrBusy = errors.New("colo: channel operation already in flight")
)
