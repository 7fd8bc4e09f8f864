// Package dedupe provides a TTL claim set so a piece of background work runs
// at most once per key within a time window, even when several code paths
// try to trigger it.
package dedupe
