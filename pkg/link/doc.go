// Package link defines the contracts around a topology link: a bidirectional
// connection between two ports on two nodes whose authoritative state lives on a
// remote controller and is mirrored locally.
//
// This package defines the abstractions shared by the link implementation and its
// collaborators:
//   - Node, Port, Project: the endpoint entities a link holds back-references to
//   - Controller: the asynchronous request/callback client for the remote controller
//   - IDAllocator: source of process-local link identifiers
//   - Notifier and Event: synchronous lifecycle notifications (created, deleted,
//     updated, errored)
//
// A link moves through Pending -> Active -> Deleted. Creating a link for an
// already-known remote id skips Pending. Capture state is orthogonal:
// Idle <-> Capturing, with Starting and Stopping while a request is in flight.
//
// Example usage:
//
//	sub := bus.Subscribe(link.ObserverFunc(func(ev link.Event) error {
//		if ev.Kind == link.EventCreated {
//			log.Printf("link %d is up", ev.LinkID)
//		}
//		return nil
//	}))
//	defer sub.Unsubscribe()
package link
