package distributed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/trace"
	"github.com/inference-sim/distsim/sim/transport"
)

type rankResult struct {
	report Report
	trace  *trace.SyncTrace
}

// runRanks runs one engine per rank on a local world until stop. setup runs on
// each rank's goroutine before the loop starts and returns the rank's resolver.
func runRanks(t *testing.T, cfg Config, links []staticLinks, stop int64, setup func(rank int, dc *Context) Resolver) []rankResult {
	t.Helper()
	world := transport.NewLocalWorld(len(links))
	results := make([]rankResult, len(links))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for rank := range links {
		g.Go(func() error {
			dc, err := NewContext(cfg, nil)
			if err != nil {
				return err
			}
			dc.Messenger.Enable(gctx, world.Connector(rank))
			var resolver Resolver = resolverFunc(func(uint32, uint32) (Receiver, bool) { return nil, false })
			if setup != nil {
				resolver = setup(rank, dc)
			}
			dc.Bind(links[rank], resolver)
			if stop > 0 {
				dc.Engine.StopAfter(stop)
			}
			if err := dc.Engine.Run(gctx); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = rankResult{report: dc.Report(), trace: dc.Trace}
			dc.Engine.Destroy()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return results
}

func syncConfig(tune float64) Config {
	cfg := DefaultConfig()
	cfg.SchedulerTune = tune
	cfg.TraceLevel = trace.TraceLevelSync
	return cfg
}

// timedRecorder records the local time of each delivery.
type timedRecorder struct {
	clock sim.SimulatorImpl
	times []int64
	data  []string
	onRx  func(payload []byte)
}

func (r *timedRecorder) Receive(payload []byte) {
	r.times = append(r.times, r.clock.Now())
	r.data = append(r.data, string(payload))
	if r.onRx != nil {
		r.onRx(payload)
	}
}

func only(rx Receiver, node, device uint32) Resolver {
	return resolverFunc(func(n, d uint32) (Receiver, bool) {
		return rx, n == node && d == device
	})
}

// assertConservative checks the synchronization invariants recorded in a trace.
func assertConservative(t *testing.T, rank int, st *trace.SyncTrace, lookahead map[int]int64) {
	t.Helper()
	summary := trace.Summarize(st)
	assert.Zero(t, summary.SafetyViolations, "rank %d executed beyond its safe time", rank)
	assert.Zero(t, summary.GuaranteeRegressions, "rank %d saw a guarantee go backwards", rank)

	lastClock := int64(-1)
	for _, e := range st.Executions {
		assert.GreaterOrEqual(t, e.Clock, lastClock, "rank %d clock went backwards", rank)
		lastClock = e.Clock
	}
	for _, m := range st.Messages {
		if !m.Outbound {
			continue
		}
		// Every guarantee is exactly one lookahead past the sender's clock.
		assert.Equal(t, m.Clock+lookahead[m.Peer], m.Guarantee, "rank %d guarantee to rank %d at %d", rank, m.Peer, m.Clock)
		if !m.IsNull() {
			assert.GreaterOrEqual(t, m.DeliveryTime, m.Guarantee)
		}
	}
}

func TestEngine_TwoRanks_DeliversAtSendTimePlusDelay(t *testing.T) {
	// GIVEN two ranks joined by one 100-tick link
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: 100}},
		{{RemoteRank: 0, Channel: 0, Delay: 100}},
	}
	var rx *timedRecorder

	// WHEN rank 0 sends one event at t=10
	results := runRanks(t, syncConfig(1), links, 1000, func(rank int, dc *Context) Resolver {
		if rank == 0 {
			dc.Engine.ScheduleWithContext(0, 10, func() {
				dc.Messenger.SendEvent(Destination{Rank: 1, Node: 1}, dc.Engine.Now()+100, []byte("hi"))
			})
			return only(nil, 99, 99)
		}
		rx = &timedRecorder{clock: dc.Engine}
		return only(rx, 1, 0)
	})

	// THEN rank 1 receives it at t=110 and both ranks stay conservative
	assert.Equal(t, []int64{110}, rx.times)
	assert.Equal(t, []string{"hi"}, rx.data)
	for rank, r := range results {
		assert.Equal(t, int64(1000), r.report.SimTime)
		assert.Equal(t, "stopped", r.report.State)
		require.Len(t, r.report.Bundles, 1)
		assert.Equal(t, int64(100), r.report.Bundles[0].Lookahead)
		assertConservative(t, rank, r.trace, map[int]int64{1 - rank: 100})
	}
	assert.Equal(t, uint64(1), results[0].report.Messages.EventsSent)
	assert.Equal(t, uint64(1), results[1].report.Messages.EventsReceived)
	assert.Positive(t, results[1].report.Messages.NullReceived)
}

func TestEngine_SingleRank_RunsLikeDefaultSimulator(t *testing.T) {
	// GIVEN a one-rank world with no remote links
	var times []int64
	results := runRanks(t, DefaultConfig(), []staticLinks{nil}, 0, func(rank int, dc *Context) Resolver {
		for _, d := range []int64{5, 1, 3} {
			dc.Engine.Schedule(d, func() { times = append(times, dc.Engine.Now()) })
		}
		return only(nil, 0, 0)
	})

	// THEN every event runs in order without blocking and the safe time is unbounded
	assert.Equal(t, []int64{1, 3, 5}, times)
	r := results[0].report
	assert.Equal(t, sim.MaxTime, r.SafeTime)
	assert.Zero(t, r.BlockingWaits)
	assert.Empty(t, r.Bundles)
	assert.Zero(t, r.Messages.NullSent)
}

func TestEngine_LineTopology_ForwardsAcrossRanks(t *testing.T) {
	// GIVEN ranks 0-1-2 in a line with delays 100 and 50
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: 100}},
		{{RemoteRank: 0, Channel: 0, Delay: 100}, {RemoteRank: 2, Channel: 1, Delay: 50}},
		{{RemoteRank: 1, Channel: 1, Delay: 50}},
	}
	var mid, end *timedRecorder

	// WHEN rank 0 sends at t=0 and rank 1 forwards on arrival
	results := runRanks(t, syncConfig(1), links, 2000, func(rank int, dc *Context) Resolver {
		switch rank {
		case 0:
			dc.Engine.ScheduleWithContext(0, 0, func() {
				dc.Messenger.SendEvent(Destination{Rank: 1, Node: 1}, dc.Engine.Now()+100, []byte("a"))
			})
			return only(nil, 0, 0)
		case 1:
			mid = &timedRecorder{clock: dc.Engine}
			mid.onRx = func(payload []byte) {
				dc.Messenger.SendEvent(Destination{Rank: 2, Node: 2}, dc.Engine.Now()+50, append(payload, 'b'))
			}
			return only(mid, 1, 0)
		default:
			end = &timedRecorder{clock: dc.Engine}
			return only(end, 2, 0)
		}
	})

	// THEN the event crosses both hops at the link delays
	assert.Equal(t, []int64{100}, mid.times)
	assert.Equal(t, []int64{150}, end.times)
	assert.Equal(t, []string{"ab"}, end.data)

	assert.Len(t, results[0].report.Bundles, 1)
	assert.Len(t, results[1].report.Bundles, 2)
	assert.Len(t, results[2].report.Bundles, 1)
	assertConservative(t, 0, results[0].trace, map[int]int64{1: 100})
	assertConservative(t, 1, results[1].trace, map[int]int64{0: 100, 2: 50})
	assertConservative(t, 2, results[2].trace, map[int]int64{1: 50})
}

func TestEngine_PingPong_RoundTripsAtLookahead(t *testing.T) {
	// GIVEN two ranks 30 ticks apart that echo every message
	const delay, rounds = 30, 10
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: delay}},
		{{RemoteRank: 0, Channel: 0, Delay: delay}},
	}
	var pinger *timedRecorder

	// WHEN rank 0 starts the exchange
	results := runRanks(t, syncConfig(1), links, 1000, func(rank int, dc *Context) Resolver {
		rx := &timedRecorder{clock: dc.Engine}
		peer := 1 - rank
		send := func() {
			dc.Messenger.SendEvent(Destination{Rank: peer, Node: uint32(peer)}, dc.Engine.Now()+delay, []byte{byte(rank)})
		}
		if rank == 0 {
			pinger = rx
			rx.onRx = func([]byte) {
				if len(rx.times) < rounds {
					send()
				}
			}
			dc.Engine.ScheduleWithContext(0, 0, send)
		} else {
			rx.onRx = func([]byte) { send() }
		}
		return only(rx, uint32(rank), 0)
	})

	// THEN each pong returns exactly two delays after its ping
	want := make([]int64, rounds)
	for i := range want {
		want[i] = int64(i+1) * 2 * delay
	}
	assert.Equal(t, want, pinger.times)
	assert.Equal(t, uint64(rounds), results[0].report.Messages.EventsSent)
	assert.Equal(t, uint64(rounds), results[1].report.Messages.EventsSent)
	for rank, r := range results {
		assertConservative(t, rank, r.trace, map[int]int64{1 - rank: delay})
	}
}

func TestEngine_MultipleChannels_LookaheadIsMinimumDelay(t *testing.T) {
	// GIVEN two links between the same ranks with delays 500 and 200
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: 500}, {RemoteRank: 1, Channel: 1, Delay: 200}},
		{{RemoteRank: 0, Channel: 0, Delay: 500}, {RemoteRank: 0, Channel: 1, Delay: 200}},
	}
	var rx *timedRecorder

	// WHEN rank 0 sends over the slow link
	results := runRanks(t, syncConfig(1), links, 3000, func(rank int, dc *Context) Resolver {
		if rank == 0 {
			dc.Engine.ScheduleWithContext(0, 0, func() {
				dc.Messenger.SendEvent(Destination{Rank: 1, Node: 1}, dc.Engine.Now()+500, []byte("slow"))
			})
			return only(nil, 0, 0)
		}
		rx = &timedRecorder{clock: dc.Engine}
		return only(rx, 1, 0)
	})

	// THEN a single bundle with the faster link's lookahead carries it
	assert.Equal(t, []int64{500}, rx.times)
	for rank, r := range results {
		require.Len(t, r.report.Bundles, 1)
		assert.Equal(t, int64(200), r.report.Bundles[0].Lookahead)
		assert.Equal(t, 2, r.report.Bundles[0].Channels)
		assertConservative(t, rank, r.trace, map[int]int64{1 - rank: 200})
	}
}

func TestEngine_SchedulerTune_ScalesNullMessageRate(t *testing.T) {
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: 100}},
		{{RemoteRank: 0, Channel: 0, Delay: 100}},
	}
	nulls := func(tune float64) uint64 {
		results := runRanks(t, syncConfig(tune), links, 1000, nil)
		return results[0].report.Messages.NullSent
	}

	coarse := nulls(1)
	fine := nulls(0.25)

	// One initial null plus one per interval before the stop time.
	assert.Equal(t, uint64(10), coarse)
	assert.Equal(t, uint64(40), fine)
}

func TestEngine_NullInterval_AtLeastOneTick(t *testing.T) {
	dc, _ := enabledContext(t, 1)
	cfg := dc.Config
	cfg.SchedulerTune = 0.1
	dc.Config = cfg
	bundle := dc.Registry.Find(1)

	dc.Engine.ScheduleNullMessageEvent(bundle)

	assert.Equal(t, int64(1), bundle.NullEvent().Timestamp())
}

func TestEngine_CalculateGuaranteeTime(t *testing.T) {
	dc, _ := enabledContext(t, 100)
	bundle := dc.Registry.Find(1)

	// Safe time 0 bounds the guarantee.
	assert.Equal(t, int64(100), dc.Engine.CalculateGuaranteeTime(1))

	// An empty queue with a large safe time saturates instead of overflowing.
	bundle.SetGuaranteeTime(sim.MaxTime)
	dc.Engine.CalculateSafeTime()
	assert.Equal(t, sim.MaxTime, dc.Engine.CalculateGuaranteeTime(1))

	// The next local event bounds it otherwise.
	dc.Engine.Schedule(40, func() {})
	assert.Equal(t, int64(140), dc.Engine.CalculateGuaranteeTime(1))

	assert.PanicsWithValue(t, "Engine: no channel bundle for rank 5", func() {
		dc.Engine.CalculateGuaranteeTime(5)
	})
}

func TestEngine_Run_Preconditions(t *testing.T) {
	dc, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.PanicsWithValue(t, "Engine: Run called before Messenger.Enable", func() {
		_ = dc.Engine.Run(context.Background())
	})

	dc.Messenger.Enable(context.Background(), transport.NewLocalWorld(1).Connector(0))
	assert.PanicsWithValue(t, "Engine: Run called before Context.Bind", func() {
		_ = dc.Engine.Run(context.Background())
	})
}

func TestEngine_Run_Twice_Panics(t *testing.T) {
	dc, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)
	dc.Messenger.Enable(context.Background(), transport.NewLocalWorld(1).Connector(0))
	dc.Bind(nil, only(nil, 0, 0))
	require.NoError(t, dc.Engine.Run(context.Background()))
	assert.Equal(t, StateStopped, dc.Engine.State())

	assert.PanicsWithValue(t, "Engine: Run called in state stopped", func() {
		_ = dc.Engine.Run(context.Background())
	})
	dc.Engine.Destroy()
	assert.False(t, dc.Messenger.Enabled())
}

func TestEngine_Run_BlockedRankHonoursContext(t *testing.T) {
	// GIVEN rank 0 whose neighbor never joins
	world := transport.NewLocalWorld(2)
	dc, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)
	dc.Messenger.Enable(context.Background(), world.Connector(0))
	dc.Bind(staticLinks{{RemoteRank: 1, Channel: 0, Delay: 10}}, only(nil, 0, 0))
	dc.Engine.StopAfter(1000)

	// WHEN it runs with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = dc.Engine.Run(ctx)

	// THEN it gives up waiting for a guarantee beyond its first lookahead
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), dc.Engine.Now())
	assert.Positive(t, dc.Engine.BlockingWaits())
	dc.Engine.Destroy()
}

func TestEngineState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "EngineState(9)", EngineState(9).String())
}

func TestEngine_NullMessagesOnly_GuaranteesStrictlyIncrease(t *testing.T) {
	// GIVEN two ranks with no application traffic at all
	links := []staticLinks{
		{{RemoteRank: 1, Channel: 0, Delay: 100}},
		{{RemoteRank: 0, Channel: 0, Delay: 100}},
	}

	// WHEN they run on null messages alone
	results := runRanks(t, syncConfig(0.5), links, 1000, nil)

	// THEN every guarantee received from the neighbor is later than the last
	// one, and the safe time keeps up with the stop time
	for rank, r := range results {
		require.NotEmpty(t, r.trace.Guarantees, "rank %d", rank)
		last := int64(0)
		for _, g := range r.trace.Guarantees {
			assert.Greater(t, g.Guarantee, last, "rank %d at tick %d", rank, g.Clock)
			last = g.Guarantee
		}
		assert.GreaterOrEqual(t, r.report.SafeTime, int64(1000), "rank %d", rank)
		assert.Zero(t, r.report.Messages.EventsSent)
	}
}

func TestEngine_GuaranteeDuringHandler_UsesCurrentTime(t *testing.T) {
	// GIVEN rank 0 whose neighbor has already certified up to t=500
	dc, peer := enabledContext(t, 100)
	dc.Registry.Find(1).SetGuaranteeTime(500)
	dc.Bind(staticLinks{{RemoteRank: 1, Channel: 0, Delay: 100}}, only(nil, 0, 0))

	var inHandler, next, safe int64
	dc.Engine.ScheduleWithContext(0, 0, func() {
		inHandler = dc.Engine.CalculateGuaranteeTime(1)
		next, safe = dc.Engine.Next(), dc.Engine.SafeTime()
		dc.Messenger.SendEvent(Destination{Rank: 1}, dc.Engine.Now()+100, []byte("now"))
		dc.Engine.Stop()
	})

	// WHEN the handler runs inside the loop
	require.NoError(t, dc.Engine.Run(context.Background()))

	// THEN the guarantee is Now+L. min(Next, SafeTime)+L would promise 200
	// (Next is the null timer at 100) while the handler sends for t=100.
	assert.Equal(t, int64(100), next)
	assert.Equal(t, int64(500), safe)
	assert.Equal(t, int64(100), inHandler)
	assert.Less(t, inHandler, min(next, safe)+100)

	initial := recvFrame(t, peer)
	require.True(t, initial.IsNull())
	sent := recvFrame(t, peer)
	assert.Equal(t, uint64(100), sent.DeliveryTime)
	assert.Equal(t, uint64(100), sent.GuaranteeUpdateTime)

	// AND between events min(Next, SafeTime)+L applies unchanged
	assert.Equal(t, min(dc.Engine.Next(), dc.Engine.SafeTime())+100, dc.Engine.CalculateGuaranteeTime(1))
	dc.Engine.Destroy()
}

func TestEngine_Run_NeverBlockingRankHonoursContext(t *testing.T) {
	// GIVEN a single rank with no neighbors and an event that reschedules itself forever
	dc, err := NewContext(DefaultConfig(), nil)
	require.NoError(t, err)
	dc.Messenger.Enable(context.Background(), transport.NewLocalWorld(1).Connector(0))
	dc.Bind(nil, only(nil, 0, 0))
	var tick func()
	tick = func() { dc.Engine.Schedule(1, tick) }
	dc.Engine.Schedule(1, tick)

	// WHEN the context is cancelled while it runs
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = dc.Engine.Run(ctx)

	// THEN Run returns the context error without ever blocking
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, dc.Engine.BlockingWaits())
	assert.Positive(t, dc.Engine.Now())
	assert.Equal(t, StateStopped, dc.Engine.State())
	dc.Engine.Destroy()
}
