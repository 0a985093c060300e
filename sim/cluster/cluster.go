// Package cluster runs a topology: in one process on the default simulator,
// as one rank of a distributed run, or as every rank of a distributed run
// inside one process.
package cluster

import (
	"context"
	"fmt"
	"io"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/distributed"
	"github.com/inference-sim/distsim/sim/network"
	"github.com/inference-sim/distsim/sim/transport"
)

// RankResult is the outcome of one rank (or of the whole single-process run).
type RankResult struct {
	RunID          string              `json:"run_id"`
	Rank           int                 `json:"rank"`
	Engine         sim.EngineKind      `json:"engine"`
	SimTime        int64               `json:"sim_time"`
	EventsExecuted uint64              `json:"events_executed"`
	Network        network.Stats       `json:"network"`
	Apps           []network.AppReport `json:"apps"`
	Sync           *distributed.Report `json:"sync,omitempty"`
}

func appReports(net *network.Network) []network.AppReport {
	out := make([]network.AppReport, 0, len(net.Apps()))
	for _, app := range net.Apps() {
		out = append(out, app.Report())
	}
	return out
}

// RunDefault runs the whole topology in this process with no synchronization.
func RunDefault(ctx context.Context, topo *network.Topology, runID string) (RankResult, error) {
	s := sim.NewDefaultSimulator(nil)
	net, err := network.Build(topo, network.AllRanks, s, nil)
	if err != nil {
		return RankResult{}, err
	}
	log := logrus.WithFields(logrus.Fields{"run": runID, "engine": sim.EngineDefault})
	log.Infof("running %d nodes until %s", len(net.LocalNodes()), topo.StopTime)

	net.Start()
	s.StopAfter(topo.StopTicks())
	if err := s.Run(ctx); err != nil {
		return RankResult{}, fmt.Errorf("running simulation: %w", err)
	}
	res := RankResult{
		RunID:          runID,
		Engine:         sim.EngineDefault,
		SimTime:        s.Now(),
		EventsExecuted: s.EventCount(),
		Network:        net.Stats(),
		Apps:           appReports(net),
	}
	s.Destroy()
	return res, nil
}

// RunRank runs one rank of a distributed run, joining the process group
// through connector. The group size must match topo.Ranks.
func RunRank(ctx context.Context, topo *network.Topology, rank int, connector transport.Connector, runID string) (RankResult, error) {
	dc, err := distributed.NewContext(topo.Engine, nil)
	if err != nil {
		return RankResult{}, err
	}
	dc.Messenger.Enable(ctx, connector)
	defer dc.Engine.Destroy()

	if dc.Messenger.Size() != topo.Ranks {
		return RankResult{}, fmt.Errorf("process group has %d ranks, topology needs %d", dc.Messenger.Size(), topo.Ranks)
	}
	if dc.Messenger.Rank() != rank {
		return RankResult{}, fmt.Errorf("joined as rank %d, expected rank %d", dc.Messenger.Rank(), rank)
	}

	net, err := network.Build(topo, rank, dc.Engine, dc.Messenger)
	if err != nil {
		return RankResult{}, err
	}
	dc.Bind(net, net)

	log := logrus.WithFields(logrus.Fields{"run": runID, "rank": rank})
	log.Infof("running %d local nodes until %s", len(net.LocalNodes()), topo.StopTime)
	net.Start()
	dc.Engine.StopAfter(topo.StopTicks())
	if err := dc.Engine.Run(ctx); err != nil {
		return RankResult{}, err
	}

	report := dc.Report()
	report.RunID = runID
	log.Infof("finished at tick %d: %d events, %d null messages sent, %d blocking waits",
		report.SimTime, report.EventsExecuted, report.Messages.NullSent, report.BlockingWaits)
	return RankResult{
		RunID:          runID,
		Rank:           rank,
		Engine:         sim.EngineDistributed,
		SimTime:        report.SimTime,
		EventsExecuted: report.EventsExecuted,
		Network:        net.Stats(),
		Apps:           appReports(net),
		Sync:           &report,
	}, nil
}

// RunLocal runs every rank of topo in this process over a transport.LocalWorld.
// Results are ordered by rank.
func RunLocal(ctx context.Context, topo *network.Topology, runID string) ([]RankResult, error) {
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}
	world := transport.NewLocalWorld(topo.Ranks)
	results := make([]RankResult, topo.Ranks)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < topo.Ranks; rank++ {
		g.Go(func() error {
			res, err := RunRank(gctx, topo, rank, world.Connector(rank), runID)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// WriteResults encodes results as an indented JSON array.
func WriteResults(w io.Writer, results []RankResult) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	return nil
}

// ReadResults decodes a JSON array written by WriteResults.
func ReadResults(r io.Reader) ([]RankResult, error) {
	var results []RankResult
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding run report: %w", err)
	}
	return results, nil
}

// Apps flattens the application reports of every rank, ordered by node.
func Apps(results []RankResult) []network.AppReport {
	var out []network.AppReport
	for _, r := range results {
		out = append(out, r.Apps...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}
