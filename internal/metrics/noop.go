package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) AdmissionDecision(kind string, admitted bool, reason string)      {}
func (n *NoopSink) CapacityCheckError()                                              {}
func (n *NoopSink) EnqueueCompleted(queue string, outcome string)                    {}
func (n *NoopSink) QueueDepthUpdate(queue string, waiting, active, delayed int64)    {}
func (n *NoopSink) JobPromoted(queue string)                                         {}
func (n *NoopSink) JobStalled(queue string)                                          {}
func (n *NoopSink) ScheduleOp(op string, err error)                                  {}
func (n *NoopSink) EventDispatched(event string)                                     {}
func (n *NoopSink) EventDropped()                                                    {}
func (n *NoopSink) SubscriberCountUpdate(count int)                                  {}
func (n *NoopSink) RunStarted(kind string)                                           {}
func (n *NoopSink) RunFinished(status string, duration time.Duration)                {}
func (n *NoopSink) SweptRuns(count int)                                              {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                {}
func (n *NoopSink) LeaderAcquired()                                                  {}
func (n *NoopSink) LeaderLost(reason string)                                         {}
