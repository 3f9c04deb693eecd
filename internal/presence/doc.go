// Package presence tracks presence heartbeats with a time-to-live so that
// transports without server-side presence can report users who went silent.
package presence
