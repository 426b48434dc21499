// Package controller is the client side of the remote topology controller.
//
// Client speaks the controller's JSON HTTP API; GRPCTransport carries the same
// requests over gRPC. Both implement Transport. Async turns a Transport into the
// non-blocking, callback-based link.Controller used by links: every request
// runs on its own goroutine and its completion is posted to a Dispatcher, so
// callbacks run wherever the dispatcher runs them (normally a single
// cooperative loop).
//
// Example usage:
//
//	client, err := controller.NewClient(controller.Config{
//		ServerURL: "http://localhost:3080",
//		User:      "admin",
//		Password:  "admin",
//	})
//	if err != nil {
//		return err
//	}
//	if err := client.Authenticate(ctx); err != nil {
//		return err
//	}
//
//	async, err := controller.NewAsync(client, loop, 16, nil, logger)
//	if err != nil {
//		return err
//	}
//	async.Post(ctx, controller.LinksPath(projectID), body, func(result json.RawMessage, err error) {
//		// runs on loop
//	})
package controller
