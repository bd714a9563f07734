package service

import (
	"sync"
	"time"

	"election-ledger/election"
	"election-ledger/models"
)

// MetricsCollector tracks counts and timings per transaction kind.
type MetricsCollector struct {
	mu         sync.RWMutex
	startTime  time.Time
	operations map[models.TxKind]*operationStats
	rejections map[string]int
}

type operationStats struct {
	startTime time.Time
	endTime   time.Time
	count     int
	rejected  int
	totalTime time.Duration
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Rejected       int       `json:"rejected"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

type MetricsResponse struct {
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Operations    map[string]OperationMetrics `json:"operations"`
	Rejections    map[string]int              `json:"rejections"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:  time.Now(),
		operations: make(map[models.TxKind]*operationStats),
		rejections: make(map[string]int),
	}
}

// RecordOperation adds one processed transaction. A non-nil err counts as a
// rejection under its reason name.
func (mc *MetricsCollector) RecordOperation(kind models.TxKind, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	op, ok := mc.operations[kind]
	if !ok {
		op = &operationStats{startTime: time.Now()}
		mc.operations[kind] = op
	}
	op.endTime = time.Now()
	op.totalTime += duration

	if err != nil {
		op.rejected++
		reason := election.Reason(err)
		if reason == "" {
			reason = "Other"
		}
		mc.rejections[reason]++
		return
	}
	op.count++
}

func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	resp := MetricsResponse{
		UptimeSeconds: int64(time.Since(mc.startTime).Seconds()),
		Operations:    make(map[string]OperationMetrics, len(mc.operations)),
		Rejections:    make(map[string]int, len(mc.rejections)),
	}
	for kind, op := range mc.operations {
		resp.Operations[string(kind)] = OperationMetrics{
			StartTime:      op.startTime,
			EndTime:        op.endTime,
			Count:          op.count,
			Rejected:       op.rejected,
			ProcessingTime: op.totalTime.Milliseconds(),
		}
	}
	for reason, n := range mc.rejections {
		resp.Rejections[reason] = n
	}
	return resp
}
