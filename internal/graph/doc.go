// Package graph holds the application graph: the typed DAG of resources a
// cloud assembly declares, with depends-on edges between them. The
// orchestrator derives provider startup order from TopologicalSort and
// refuses to start when DetectCycles reports a non-empty result.
//
// The graph is built once during assembly parse and immutable afterwards;
// it outlives every provider.
package graph
