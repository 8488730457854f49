// Package device owns the connection registry: the single live transport
// connection per device identifier, with evict-on-replace semantics and
// identity-guarded removal.
package device
