// Package kvstore emulates the key-value table service. Each logical table
// is one embedded sqlite database: an items table keyed by the encoded
// partition and sort keys, plus one table per secondary index maintained
// on every write. Item bodies are stored verbatim in the wire attribute
// encoding so the surface never re-interprets attribute types. Writes emit
// change records through a dispatcher, delayed by the configured
// eventual-consistency window, which is what stream-to-function triggers
// subscribe to.
package kvstore
