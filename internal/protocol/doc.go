// Package protocol defines the JSON frame vocabulary spoken between devices
// and the gateway, plus the close codes used during the auth handshake.
package protocol
