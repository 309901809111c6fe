// Package instrument provides the microscope handles that the dispatcher owns
// and the operation table exposed to clients.
//
// A Microscope is NOT goroutine-safe: exactly one goroutine, the dispatcher,
// may call it. Open returns a handle for an instrument identifier; the built-in
// "simulate" kind is an in-memory microscope used for development and tests.
// Vendor drivers register additional kinds with Register.
package instrument
