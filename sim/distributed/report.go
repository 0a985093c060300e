package distributed

import "github.com/inference-sim/distsim/sim/trace"

// Report is the end-of-run summary of one rank.
type Report struct {
	RunID          string              `json:"run_id,omitempty"`
	Rank           int                 `json:"rank"`
	WorldSize      int                 `json:"world_size"`
	State          string              `json:"state"`
	SimTime        int64               `json:"sim_time"`
	SafeTime       int64               `json:"safe_time"`
	EventsExecuted uint64              `json:"events_executed"`
	BlockingWaits  uint64              `json:"blocking_waits"`
	Messages       MessageStats        `json:"messages"`
	Bundles        []BundleReport      `json:"bundles"`
	Trace          *trace.TraceSummary `json:"trace,omitempty"`
}

// BundleReport describes one channel bundle at the end of a run.
type BundleReport struct {
	RemoteRank    int   `json:"remote_rank"`
	Lookahead     int64 `json:"lookahead"`
	GuaranteeTime int64 `json:"guarantee_time"`
	Channels      int   `json:"channels"`
}
