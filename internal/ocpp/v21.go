package ocpp

// NewV21 returns the OCPP 2.1 dispatcher. The messages used here are
// unchanged from 2.0.1.
func NewV21(sink EventSink) Dispatcher { return &v201{sink: sink, version: V21} }
