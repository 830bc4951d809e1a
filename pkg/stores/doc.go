// Package stores publishes engine state for external tooling.
//
// SQLitePublisher keeps the latest status of every action and a snapshot of every
// active sequence in a SQLite database migrated from embedded SQL files. RedisPublisher
// keeps the same documents as JSON strings in Redis and announces each change on a
// pub/sub channel. Both read their state back for status tools, and Fanout publishes to
// several sinks at once.
package stores
