package metrics

import "time"

var _ Recorder = (*Noop)(nil)

// Noop discards every event.
type Noop struct{}

// NewNoop returns a Recorder that does nothing.
func NewNoop() *Noop {
	return &Noop{}
}

func (*Noop) RecordTokenExchange(string, bool, time.Duration) {}
func (*Noop) RecordTokenRefresh(bool)                         {}
func (*Noop) RecordRequest(string, int, time.Duration)        {}
func (*Noop) RecordSignature(string, bool)                    {}
func (*Noop) RecordCallback(string)                           {}
