// Package provider defines the uniform lifecycle contract every service
// emulator implements (Name, Start, Stop, HealthCheck), the optional Flush
// and Reset capabilities, the status state machine, and the registry the
// orchestrator drives. Base carries the idempotency guards so individual
// providers only supply their start/stop bodies.
package provider
