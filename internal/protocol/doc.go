// Package protocol owns the scope message model.
//
// Ownership boundary:
// - header and message value types
// - payload carrier (bytes or native handle, never both)
// - protocol status codes and the Error value
// - static command descriptors
//
// Framing lives in protocol/frame, field primitives in protocol/tlv and
// payload schemas in protocol/schema.
package protocol
