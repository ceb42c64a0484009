// Package eventbus emulates the rule-routing event bus. Buses and rules
// live in memory; a published event is wrapped in the standard envelope,
// matched against every enabled pattern rule on its bus, and fanned out to
// the matching rules' function and queue targets in parallel. Schedule
// rules run their own timers and deliver the scheduled-event envelope.
package eventbus
