// Package dedupe remembers the result of idempotent requests for a bounded
// time window so a retried request can be answered without repeating its
// side effects.
package dedupe
