// Package distributed implements the conservative (null-message) parallel
// discrete-event engine.
//
// Every rank owns a disjoint set of simulated nodes. Links whose endpoints
// live on different ranks are folded into one ChannelBundle per remote rank;
// the bundle's lookahead is its smallest link delay. Each message between
// ranks, real or null, carries a guarantee: the sender will never again send
// an event with an earlier delivery time. A rank may execute an event only
// when its timestamp is not later than the minimum guarantee over all bundles
// (the safe time).
//
// The pieces:
//
//   - codec.go: the 24-byte little-endian frame header.
//   - bundle.go, registry.go: per-rank channel bundles and the safe time.
//   - messenger.go: non-blocking send/receive over a transport.Comm.
//   - engine.go: the run loop and the null-message timers.
//   - context.go: the per-process wiring of the above.
package distributed
