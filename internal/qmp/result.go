package qmp

import "github.com/tidwall/gjson"

// Result is one parsed hypervisor reply or event line. Raw is kept
// around for logging/forwarding (the client adapter proxies unknown
// commands verbatim), Parsed is the structural gjson view used for
// has_member-style matching instead of a typed schema.
type Result struct {
	Raw    []byte
	Parsed gjson.Result
}

// IsError reports whether this reply carries an "error" member.
func (r Result) IsError() bool {
	return r.Parsed.Get("error").Exists()
}

// ErrorMessage extracts the human-readable error description, if any.
func (r Result) ErrorMessage() string {
	if msg := r.Parsed.Get("error.desc"); msg.Exists() {
		return msg.String()
	}
	return r.Parsed.Get("error").Raw
}

// EventName extracts the event's "event" member, empty if this isn't an
// event line.
func (r Result) EventName() string {
	return r.Parsed.Get("event").String()
}

func parseResult(line []byte) (Result, error) {
	if !gjson.ValidBytes(line) {
		return Result{}, ErrMalformed
	}
	cp := append([]byte(nil), line...)
	return Result{Raw: cp, Parsed: gjson.ParseBytes(cp)}, nil
}
