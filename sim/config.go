package sim

import "fmt"

// EngineKind selects the SimulatorImpl variant for a run.
type EngineKind string

const (
	// EngineDefault runs every event in one process with no synchronization.
	EngineDefault EngineKind = "default"
	// EngineDistributed runs one rank of a conservatively synchronized simulation.
	EngineDistributed EngineKind = "distributed"
)

// ValidEngineKinds is the set of recognized engine names. Empty selects EngineDefault.
var ValidEngineKinds = map[string]bool{"": true, string(EngineDefault): true, string(EngineDistributed): true}

// ParseEngineKind validates name and returns the matching EngineKind.
func ParseEngineKind(name string) (EngineKind, error) {
	if !ValidEngineKinds[name] {
		return "", fmt.Errorf("unknown engine %q", name)
	}
	if name == "" {
		return EngineDefault, nil
	}
	return EngineKind(name), nil
}

// Tick units. One tick is one microsecond of simulated time.
const (
	Microsecond int64 = 1
	Millisecond       = 1000 * Microsecond
	Second            = 1000 * Millisecond
)
