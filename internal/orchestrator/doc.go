// Package orchestrator drives provider lifecycles: sequential startup in
// topological order with per-provider timeouts and full rollback on
// failure, health probing, and reverse-order shutdown with flush. The
// orchestrator is the single owner of all providers; pollers and
// dispatchers holding references into providers must be registered so they
// stop before their targets.
package orchestrator
