// Package wire holds the STP stream reader and writer. Both run on the
// loop and never touch a socket directly: the reader is fed bytes and the
// writer hands bytes to its listener.
package wire
