package trace

// TraceSummary aggregates statistics from a SyncTrace.
type TraceSummary struct {
	EventsExecuted int `json:"events_executed"`
	// SafetyViolations counts events executed beyond the safe horizon.
	SafetyViolations int `json:"safety_violations"`
	// GuaranteeRegressions counts per-peer guarantee updates lower than the previous one.
	GuaranteeRegressions int           `json:"guarantee_regressions"`
	NullSent             int           `json:"null_sent"`
	NullReceived         int           `json:"null_received"`
	EventsSent           int           `json:"events_sent"`
	EventsReceived       int           `json:"events_received"`
	MaxSafeTime          int64         `json:"max_safe_time"`
	PeerGuarantees       map[int]int64 `json:"peer_guarantees"` // peer rank → last guarantee received
}

// Summarize computes aggregate statistics from a SyncTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SyncTrace) *TraceSummary {
	summary := &TraceSummary{
		PeerGuarantees: make(map[int]int64),
	}
	if st == nil {
		return summary
	}

	summary.EventsExecuted = len(st.Executions)
	for _, e := range st.Executions {
		if e.Clock > e.SafeTime {
			summary.SafetyViolations++
		}
		if e.SafeTime > summary.MaxSafeTime {
			summary.MaxSafeTime = e.SafeTime
		}
	}

	for _, g := range st.Guarantees {
		if prev, ok := summary.PeerGuarantees[g.Peer]; ok && g.Guarantee < prev {
			summary.GuaranteeRegressions++
		}
		summary.PeerGuarantees[g.Peer] = g.Guarantee
	}

	for _, m := range st.Messages {
		switch {
		case m.Outbound && m.IsNull():
			summary.NullSent++
		case m.Outbound:
			summary.EventsSent++
		case m.IsNull():
			summary.NullReceived++
		default:
			summary.EventsReceived++
		}
	}

	return summary
}
