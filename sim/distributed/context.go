package distributed

import (
	"fmt"

	"github.com/inference-sim/distsim/sim"
	"github.com/inference-sim/distsim/sim/trace"
)

// Context is the per-process distributed state: exactly one is constructed per
// rank and handed to every component that needs the registry, the messenger or
// the engine.
type Context struct {
	Config    Config
	Registry  *BundleRegistry
	Messenger *Messenger
	Engine    *Engine
	// Trace is nil unless Config.TraceLevel is TraceLevelSync.
	Trace *trace.SyncTrace

	links    LinkSource
	resolver Resolver
}

// NewContext wires a registry, messenger and engine together. A nil scheduler
// selects a sim.HeapScheduler.
func NewContext(cfg Config, scheduler sim.Scheduler) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid distributed config: %w", err)
	}
	c := &Context{Config: cfg}
	c.Engine = newEngine(c, scheduler)
	c.Registry = NewBundleRegistry(c.Engine)
	c.Messenger = newMessenger(c)
	return c, nil
}

// Bind attaches the network model collaborators used by discovery and dispatch.
// It must be called after Messenger.Enable and before Engine.Run.
func (c *Context) Bind(links LinkSource, resolver Resolver) {
	c.links = links
	c.resolver = resolver
	if c.Config.TraceLevel == trace.TraceLevelSync && c.Trace == nil {
		c.Trace = trace.NewSyncTrace(c.Messenger.Rank())
	}
}

// Report snapshots the run statistics of this rank.
func (c *Context) Report() Report {
	r := Report{
		Rank:           c.Messenger.Rank(),
		WorldSize:      c.Messenger.Size(),
		State:          c.Engine.State().String(),
		SimTime:        c.Engine.Now(),
		SafeTime:       c.Engine.SafeTime(),
		EventsExecuted: c.Engine.EventCount(),
		BlockingWaits:  c.Engine.BlockingWaits(),
		Messages:       c.Messenger.Stats(),
	}
	for _, b := range c.Registry.Bundles() {
		r.Bundles = append(r.Bundles, BundleReport{
			RemoteRank:    b.RemoteRank(),
			Lookahead:     b.Lookahead(),
			GuaranteeTime: b.GuaranteeTime(),
			Channels:      b.ChannelCount(),
		})
	}
	if c.Trace != nil {
		r.Trace = trace.Summarize(c.Trace)
	}
	return r
}
