// Package identity stubs the identity pool service with fixed local
// credentials, enough for SDK credential chains pointed at the emulator to
// resolve without real authentication.
package identity
