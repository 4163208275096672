// Package notifier is the delivery channel for reminder and countdown
// messages.
//
// Send is synchronous and makes exactly one attempt: the caller learns
// whether the message left the process and decides what a failure means.
// Calls share a token-bucket limiter so a burst of due reminders cannot trip
// the chat platform's flood limits, and each call is bounded by a timeout.
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility and publishes delivery.* events on the bus.
package notifier
