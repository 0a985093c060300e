// Package network is a small point-to-point network model driven by a
// sim.SimulatorImpl: nodes, devices, links with a fixed propagation delay,
// static shortest-hop routing and a ping/echo application.
//
// A Network is built per rank from a Topology. Nodes owned by other ranks are
// kept as routing metadata; a link delivery to one of their devices leaves
// through a RemoteSender, and the Network itself serves as the
// distributed.LinkSource and distributed.Resolver of the rank.
package network
