package stripe

import "sync/atomic"

// State 是 stripe 聚合状态机的当前阶段。
type State int32

const (
	StateAccepting State = iota
	StateFlushing
	StateFailed
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateFlushing:
		return "flushing"
	case StateFailed:
		return "failed"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats 是 stripe 的计数快照，供诊断接口与测试使用。
type Stats struct {
	ID               int    `json:"id"`
	State            string `json:"state"`
	Accepted         uint64 `json:"accepted"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	RejectedOversize uint64 `json:"rejected_oversize"`
	RejectedBacklog  uint64 `json:"rejected_backlog"`
	Flushes          uint64 `json:"flushes"`
	FlushErrors      uint64 `json:"flush_errors"`
	BytesWritten     uint64 `json:"bytes_written"`
	Wraps            uint64 `json:"wraps"`
	Checkpoints      uint64 `json:"checkpoints"`
	Backlog          int64  `json:"backlog_bytes"`
	Held             int64  `json:"held"`
	Offset           uint64 `json:"offset"`
	Generation       uint32 `json:"generation"`
}

type counters struct {
	state            atomic.Int32
	accepted         atomic.Uint64
	completed        atomic.Uint64
	failed           atomic.Uint64
	rejectedOversize atomic.Uint64
	rejectedBacklog  atomic.Uint64
	flushes          atomic.Uint64
	flushErrors      atomic.Uint64
	bytesWritten     atomic.Uint64
	wraps            atomic.Uint64
	checkpoints      atomic.Uint64
	backlog          atomic.Int64
	held             atomic.Int64
	offset           atomic.Uint64
	generation       atomic.Uint32
}
