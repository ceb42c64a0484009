// Package pubsub emulates the topic fan-out service. Topics and
// subscriptions live in memory; a publish delivers to every matching
// subscriber in parallel, wrapping the message in the notification
// envelope for queue subscribers and the records envelope for function
// subscribers. Filter policies reuse the event-bus pattern matcher over
// the message attributes.
package pubsub
