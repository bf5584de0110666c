package classifier

// Sink receives everything classification produces. Implementations must be
// safe for concurrent use by many dispatch goroutines.
type Sink interface {
	Trace(msg string)
	Error(msg string)
	Finding(f Finding)
}

type discardSink struct{}

func (discardSink) Trace(string)    {}
func (discardSink) Error(string)    {}
func (discardSink) Finding(Finding) {}

// Discard drops every message.
var Discard Sink = discardSink{}
