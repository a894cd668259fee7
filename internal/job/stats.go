package job

import "time"

// Stats summarises the execution log of one job.
type Stats struct {
	Total           int           `json:"total"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Running         int           `json:"running"`
	AverageDuration time.Duration `json:"average_duration"`
	// SuccessRate is Completed/(Completed+Failed) in [0,1]; 0 when nothing finished.
	SuccessRate float64 `json:"success_rate"`
}

// ComputeStats folds execution records into Stats. Retrying executions count
// as failed attempts.
func ComputeStats(execs []*Execution) Stats {
	var st Stats
	var total time.Duration
	var finished int
	for _, e := range execs {
		if e == nil {
			continue
		}
		st.Total++
		switch e.Status {
		case ExecRunning:
			st.Running++
			continue
		case ExecCompleted:
			st.Completed++
		case ExecFailed, ExecRetrying:
			st.Failed++
		}
		finished++
		total += e.Duration
	}
	if finished > 0 {
		st.AverageDuration = total / time.Duration(finished)
	}
	if st.Completed+st.Failed > 0 {
		st.SuccessRate = float64(st.Completed) / float64(st.Completed+st.Failed)
	}
	return st
}
