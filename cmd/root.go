package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/cluster"
	"github.com/inference-sim/distsim/sim/network"
	"github.com/inference-sim/distsim/sim/trace"
	"github.com/inference-sim/distsim/sim/transport"
)

var (
	// CLI flags for the run command
	topologyPath string   // Topology YAML file
	engineName   string   // Simulator variant: default or distributed
	rank         int      // Rank to run; -1 runs every rank in this process
	addrs        []string // Listen address of every rank (TCP); empty means in-process ranks
	seed         int64    // Overrides the topology seed when set
	tune         float64  // Overrides engine.scheduler_tune when set
	traceLevel   string   // Overrides engine.trace_level when set
	runID        string   // Run identifier shared by all ranks
	reportPath   string   // Where to write the JSON report ("-" for stdout)
	logLevel     string   // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "distsim",
	Short: "Conservatively synchronized distributed discrete-event simulator",
}

// runCmd executes a simulation using the topology file and CLI overrides
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a network simulation",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		topo, err := network.LoadTopology(topologyPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		applyOverrides(cmd, topo)
		if err := topo.Validate(); err != nil {
			logrus.Fatalf("invalid topology %s: %v", topologyPath, err)
		}
		kind, err := sim.ParseEngineKind(engineName)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if runID == "" {
			runID = uuid.Must(uuid.NewV7()).String()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		log := logrus.WithFields(logrus.Fields{"run": runID, "engine": kind})
		log.Infof("starting simulation of %s: %d ranks, %d nodes, stop at %s",
			topologyPath, topo.Ranks, len(topo.Nodes), topo.StopTime)
		startTime := time.Now()

		results, err := execute(ctx, topo, kind, rank, addrs, runID)
		if err != nil {
			logrus.Fatalf("simulation failed: %v", err)
		}
		if err := writeReport(reportPath, results); err != nil {
			logrus.Fatalf("%v", err)
		}
		log.Infof("Simulation complete in %v.", time.Since(startTime).Round(time.Millisecond))
	},
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// applyOverrides copies explicitly set flags over the topology file values.
func applyOverrides(cmd *cobra.Command, topo *network.Topology) {
	if cmd.Flags().Changed("seed") {
		logrus.Infof("CLI --seed %d overrides topology seed %d", seed, topo.Seed)
		topo.Seed = seed
	}
	if cmd.Flags().Changed("tune") {
		topo.Engine.SchedulerTune = tune
	}
	if cmd.Flags().Changed("trace") {
		topo.Engine.TraceLevel = trace.TraceLevel(traceLevel)
	}
}

// execute dispatches on the engine kind and transport.
func execute(ctx context.Context, topo *network.Topology, kind sim.EngineKind, rank int, addrs []string, runID string) ([]cluster.RankResult, error) {
	if kind == sim.EngineDefault {
		res, err := cluster.RunDefault(ctx, topo, runID)
		if err != nil {
			return nil, err
		}
		return []cluster.RankResult{res}, nil
	}

	if len(addrs) == 0 {
		if rank != -1 {
			return nil, fmt.Errorf("--rank %d requires --addrs; omit --rank to run every rank in this process", rank)
		}
		return cluster.RunLocal(ctx, topo, runID)
	}

	if len(addrs) != topo.Ranks {
		return nil, fmt.Errorf("--addrs lists %d ranks, topology has %d", len(addrs), topo.Ranks)
	}
	tcp := transport.TCPConfig{Rank: rank, Addrs: addrs}
	if err := tcp.Validate(); err != nil {
		return nil, err
	}
	res, err := cluster.RunRank(ctx, topo, rank, tcp, runID)
	if err != nil {
		return nil, err
	}
	return []cluster.RankResult{res}, nil
}

func writeReport(path string, results []cluster.RankResult) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating report: %w", err)
		}
		defer f.Close()
		w = f
	}
	return cluster.WriteResults(w, results)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&topologyPath, "topology", "", "Topology YAML file")
	_ = runCmd.MarkFlagRequired("topology")
	runCmd.Flags().StringVar(&engineName, "engine", string(sim.EngineDistributed), "Simulator engine (default, distributed)")
	runCmd.Flags().IntVar(&rank, "rank", -1, "Rank to run over TCP (requires --addrs); -1 runs all ranks in-process")
	runCmd.Flags().StringSliceVar(&addrs, "addrs", nil, "Comma-separated listen address of every rank, indexed by rank")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Override the topology seed")
	runCmd.Flags().Float64Var(&tune, "tune", 1.0, "Override the null-message interval as a fraction of the lookahead, in (0, 1]")
	runCmd.Flags().StringVar(&traceLevel, "trace", "", "Override the trace level (none, sync)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier shared by all ranks (default: a new UUIDv7)")
	runCmd.Flags().StringVar(&reportPath, "report", "-", "JSON report file, or - for stdout")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	validateCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	// Attach subcommands to `root`
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
