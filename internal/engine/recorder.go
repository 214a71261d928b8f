package engine

import "time"

// Recorder receives run telemetry. Implemented by metrics.Collector.
type Recorder interface {
	PageFetched(collection string, records int)
	RowsUpserted(table string, n int)
	CheckpointRepaired(collection string)
	RunFinished(mode Mode, collection string, status Status, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) PageFetched(string, int)                         {}
func (nopRecorder) RowsUpserted(string, int)                        {}
func (nopRecorder) CheckpointRepaired(string)                       {}
func (nopRecorder) RunFinished(Mode, string, Status, time.Duration) {}
