// Package mgmt is the out-of-band management surface served next to the
// emulated services: health, provider status, the resolved resource
// inventory, state reset, graceful shutdown and Prometheus metrics.
package mgmt
