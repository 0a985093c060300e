package trace

import "testing"

func TestIsValidTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{"", true},
		{"none", true},
		{"sync", true},
		{"decisions", false},
		{"SYNC", false},
	}
	for _, tt := range tests {
		if got := IsValidTraceLevel(tt.level); got != tt.want {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSyncTrace_Record_AppendsInOrder(t *testing.T) {
	st := NewSyncTrace(3)
	st.RecordExecution(ExecutionRecord{Clock: 1, SafeTime: 5})
	st.RecordExecution(ExecutionRecord{Clock: 2, SafeTime: 5})
	st.RecordMessage(MessageRecord{Peer: 1, DeliveryTime: 9})

	if st.Rank != 3 {
		t.Errorf("Rank = %d, want 3", st.Rank)
	}
	if len(st.Executions) != 2 || st.Executions[1].Clock != 2 {
		t.Errorf("unexpected executions %v", st.Executions)
	}
	if len(st.Messages) != 1 || st.Messages[0].IsNull() {
		t.Errorf("unexpected messages %v", st.Messages)
	}
}
