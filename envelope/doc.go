// Package envelope defines the messages exchanged between temserver clients and
// the server, and the framing used to carry them over a byte stream.
//
// Wire format:
//
// Every message is one frame: a 4-byte big-endian length followed by exactly
// that many bytes of JSON. A single read from the socket is never assumed to
// hold a whole frame; readers reassemble frames with io.ReadFull.
//
//	+----------------+---------------------------+
//	| length (4, BE) | JSON envelope (length B)  |
//	+----------------+---------------------------+
//
// Envelopes:
//   - Request:  {"id": 7, "op": "goto", "args": [...], "kwargs": {...}}
//   - Response: {"id": 7, "status": "ok", "payload": ...}
//     or        {"id": 7, "status": "error", "kind": "unknown_operation", "error": "..."}
//
// The request forms with op "close" and "terminate" (aliases "exit" and
// "kill") are control directives handled by the server session itself.
package envelope
