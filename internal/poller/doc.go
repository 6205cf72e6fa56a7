// Package poller polls the status endpoint for one tracked task until the task
// reaches a terminal status, exceeds its time ceiling, is disabled, or is stopped.
//
// A Poller never removes its task from the store on its own: terminal statuses
// and timeouts are handed to the completion arbiter, which decides whether this
// observer's detection wins. Stopping a poller leaves the task tracked so the
// reconciler or a later poller can pick it up.
//
// Manager owns the poller goroutines of a process. It allows several pollers
// for the same task ID, which is what happens when independent surfaces each
// start one.
package poller
