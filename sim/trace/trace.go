package trace

// TraceLevel controls the verbosity of synchronization tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelSync captures executed events, guarantee updates and messages.
	TraceLevelSync TraceLevel = "sync"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone: true,
	TraceLevelSync: true,
	"":             true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// SyncTrace collects synchronization records for one rank.
type SyncTrace struct {
	Rank       int
	Executions []ExecutionRecord
	Guarantees []GuaranteeRecord
	Messages   []MessageRecord
}

// NewSyncTrace creates a SyncTrace ready for recording.
func NewSyncTrace(rank int) *SyncTrace {
	return &SyncTrace{
		Rank:       rank,
		Executions: make([]ExecutionRecord, 0),
		Guarantees: make([]GuaranteeRecord, 0),
		Messages:   make([]MessageRecord, 0),
	}
}

// RecordExecution appends an executed-event record.
func (st *SyncTrace) RecordExecution(record ExecutionRecord) {
	st.Executions = append(st.Executions, record)
}

// RecordGuarantee appends a guarantee update record.
func (st *SyncTrace) RecordGuarantee(record GuaranteeRecord) {
	st.Guarantees = append(st.Guarantees, record)
}

// RecordMessage appends a message record.
func (st *SyncTrace) RecordMessage(record MessageRecord) {
	st.Messages = append(st.Messages, record)
}
