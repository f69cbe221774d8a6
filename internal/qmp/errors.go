package qmp

import "errors"

var (
	// ErrHypervisorCommand is a reply carrying an "error" member
	// HypervisorCommand).
	ErrHypervisorCommand = errors.New("qmp: hypervisor command error")

	// ErrMalformed is a line that didn't parse as JSON at all.
	ErrMalformed = errors.New("qmp: malformed line")

	// ErrBusy is returned when a second execute/wait_event is attempted
	// while one is already outstanding.
	ErrBusy = errors.New("qmp: channel operation already in flight")

	// ErrTimeout is returned when execute/wait_event/yank exceed their
	// deadline without a matching reply.
	ErrTimeout = errors.New("qmp: timeout")

	// ErrEOF names EOF on the main stream. Channel does not return it:
	// the EOF is reported through OnHup, and later operations fail with
	// ErrClosed.
	ErrEOF = errors.New("qmp: channel eof")

	// ErrInterrupt is returned by WaitEvent when an interrupting event
	// became visible in the orchestrator's queue before a match arrived.
	ErrInterrupt = errors.New("qmp: interrupted")

	// ErrClosed is returned by Execute, ExecuteNocheck and WaitEvent once
	// the channel has been closed or its main stream has reached EOF.
	ErrClosed = errors.New("qmp: channel closed")
)
