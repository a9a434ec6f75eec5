// Package sweeper schedules the background lifecycle pass over a workspace:
// short-term expiry, working-memory staleness cleanup, and vector backfill.
package sweeper
