package metrics

import "time"

// Noop discards everything.
type Noop struct{}

func (Noop) RecordFetch(string, string, int64) {}
func (Noop) RecordStage(string, time.Duration) {}
func (Noop) RecordError(string, string)        {}
func (Noop) SetRecordCount(string, int)        {}
func (Noop) SetLastSuccess(time.Time)          {}
