// Package channel implements the typed, filterable message queues that carry envelopes
// between the engine and plugins.
//
// A Channel holds one FIFO queue per (type, plugin_name) key. Readers select messages
// with a Filter whose fields are optional wildcards; the oldest message matching the
// filter is returned, messages that match no reader stay queued. Each key is bounded by
// a configurable depth beyond which the oldest unread message of that key is evicted.
//
// A Bus pairs the client-to-server and server-to-client directions, which are
// symmetric in shape.
package channel
