// Package recovery reclaims requests stranded in the processing set.
//
// A dispatcher that crashes or hangs leaves its claimed requests in
// processing_queue with nothing left to store their results. The Sweeper
// scans that set on a fixed interval and uses the claim stamps in
// processing_claims to decide which entries are stale. Stale entries below
// the retry bound return to the tail of request_queue with retry_count+1.
// At the bound they are Abandoned and handled per the configured policy.
package recovery
