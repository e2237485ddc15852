package usecase

import "time"

// PipelineRecorder receives run measurements. The metrics adapter implements it.
type PipelineRecorder interface {
	BatchFinished(status string, d time.Duration)
	LeadsRejected(reason string, n int)
	LeadsDelivered(clientID string, n int)
	StageDuration(stage string, d time.Duration)
	ExternalCall(op string, err error, d time.Duration)
	PersonalizationFallback()
	ClientRemaining(clientID string, remaining int)
}

type nopRecorder struct{}

func (nopRecorder) BatchFinished(string, time.Duration)       {}
func (nopRecorder) LeadsRejected(string, int)                 {}
func (nopRecorder) LeadsDelivered(string, int)                {}
func (nopRecorder) StageDuration(string, time.Duration)       {}
func (nopRecorder) ExternalCall(string, error, time.Duration) {}
func (nopRecorder) PersonalizationFallback()                  {}
func (nopRecorder) ClientRemaining(string, int)               {}
