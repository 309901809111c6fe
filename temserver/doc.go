// Package temserver exposes a dispatch.Dispatcher over TCP.
//
// The Server accepts connections and starts one session per connection. A
// session reads one length-prefixed request at a time, submits it to the
// dispatcher, waits for that request's own result and writes it back with the
// client's request id. Sessions never touch the instrument and never see each
// other's results.
//
// Control directives:
//
//   - {"op":"close"} (alias "exit") ends the session without a reply.
//   - {"op":"terminate"} (alias "kill") ends the session and closes the
//     channel returned by Server.TerminateRequested.
//
// Example Usage:
//
//	cfg, err := temserver.NewServerConfig("localhost", 8088)
//	srv, err := temserver.NewServer(ctx, cfg, dispatcher)
//	if err := srv.Listen(); err != nil {
//	    // port in use
//	}
//	go srv.Serve()
//	defer srv.Close()
package temserver
