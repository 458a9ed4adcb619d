/*
Package events provides the in-process event broker for Nexus.

Every lifecycle transition in the control plane publishes an event:
service registrations and failures from the hypervisor, task transitions
from the orchestrator, connector changes from the agent manager, and
allocation changes from the port registry. Subscribers receive events on
buffered channels; the API layer streams them to clients over SSE and the
store subscribes to feed the bbolt journal.

# Delivery Semantics

Publish is non-blocking for the caller (the broker owns a buffered intake
channel) and best-effort per subscriber: a subscriber whose buffer is full
misses the event rather than stalling the broadcast loop. Consumers that
need a complete record read the journal, not the live stream.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Println(event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventServiceStarted,
		Message:  "rest-api started on port 8080",
		Metadata: map[string]string{"service": "rest-api"},
	})
*/
package events
