// Package events carries terminal task transitions to the components that react
// to them.
//
// The completion arbiter emits exactly one CompletionEvent per claimed terminal
// transition. Handlers (notifications, downstream cache invalidation, the progress
// view) register with an emitter and never learn which observer detected the
// transition:
// - CompletionEvent: a task reached completed or failed
// - EventHandler: interface for components that react to completion events
// - EventEmitter: interface for components that publish them
package events
