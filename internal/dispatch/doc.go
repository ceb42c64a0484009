// Package dispatch implements the wire-protocol dialects shared by every
// service HTTP surface: JSON-with-operation-header (X-Amz-Target),
// form-encoded query-action with XML envelopes, and REST-with-path routing
// compiled from {var} templates (plain JSON or hybrid XML flavour). Each
// mux maintains an operation table and renders errors in the dialect's
// native envelope with the request identifier attached.
package dispatch
