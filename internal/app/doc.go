// Package app bootstraps the emulator: it loads the cloud assembly,
// builds and validates the resource graph, translates declarations into
// provider configurations, starts providers leaves-first, wires triggers
// and subscriptions, and serves one HTTP surface per emulated service
// next to the management API.
package app
