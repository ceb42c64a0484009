// Package eventsource bridges producers to function invocations. Three
// shapes cover every trigger: the Poller pulls batches from a queue and
// acknowledges them after a successful invocation, the Dispatcher fans
// push events (bucket notifications, streams, bus rules) out to registered
// handlers by selector, and the Runner fires schedule rules parsed from
// rate and cron expressions. All three are cooperative tasks that exit
// when their owning provider's context is cancelled.
package eventsource
