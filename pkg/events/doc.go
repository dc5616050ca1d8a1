// Package events provides the action-callback registry the scheduler
// uses to let server-pushed directives invoke named handlers:
// ActionRegistry maps named scheduler directives to callbacks,
// dispatched outside the registry lock so a callback may safely
// register or unregister another action.
package events
