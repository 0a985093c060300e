// Package testutil provides shared test infrastructure for packages that run
// whole topologies.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/distsim/sim/distributed"
	"github.com/inference-sim/distsim/sim/network"
)

// RunTimeout bounds every multi-rank test run.
const RunTimeout = 20 * time.Second

// Topology parses and validates a YAML topology.
func Topology(t testing.TB, yaml string) *network.Topology {
	t.Helper()
	topo, err := network.ParseTopology([]byte(yaml))
	require.NoError(t, err)
	require.NoError(t, topo.Validate())
	return topo
}

// Context returns a context cancelled after RunTimeout or at test cleanup.
func Context(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	t.Cleanup(cancel)
	return ctx
}

// AssertConservative checks the synchronization summary of a rank report:
// no event ran beyond the safe time and no guarantee went backwards.
func AssertConservative(t testing.TB, r *distributed.Report) {
	t.Helper()
	if !assert.NotNil(t, r, "missing sync report") || !assert.NotNil(t, r.Trace, "rank %d ran without sync tracing", r.Rank) {
		return
	}
	assert.Zero(t, r.Trace.SafetyViolations, "rank %d executed events beyond its safe time", r.Rank)
	assert.Zero(t, r.Trace.GuaranteeRegressions, "rank %d received a guarantee lower than a previous one", r.Rank)
}
