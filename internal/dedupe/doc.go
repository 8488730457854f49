// Package dedupe provides a TTL and size bounded set of seen keys, used for
// inbound message idempotency and proactive delivery bookkeeping.
package dedupe
