// Package queue emulates the message-queue service. Every queue is backed
// by its own embedded sqlite database holding one messages table, which
// gives the visibility-timeout lifecycle (enqueued, in-flight, redelivered,
// dead-lettered) durable bookkeeping for free. The HTTP surface speaks the
// form-encoded action dialect with XML response envelopes.
//
// FIFO queues add two behaviors on top of the standard lifecycle: sends
// with a deduplication identifier collapse within a five-minute window,
// and receive skips any message group that still has a message in flight
// so per-group delivery order is preserved.
package queue
