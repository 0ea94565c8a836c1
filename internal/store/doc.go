// Package store provides durable persistence for pairchat.
//
// # Conversations
//
// A conversation is identified by a ConversationKey built with KeyFor from the
// two participant names. The key does not depend on argument order, so both
// sides of a chat read and write the same log.
//
// # Message logs
//
// MessageLog is an append-only log per conversation. Three implementations
// exist:
//
//   - FileStore: one human-readable file per conversation, fsynced on append
//   - SQLiteStore: a messages table in SQLite with synchronous=FULL
//   - BadgerStore: BadgerDB with synchronous writes
//
// All of them assign each message a 1-based sequence number in append order,
// return an empty slice for conversations that were never written, and return
// every I/O failure to the caller.
//
// # Users
//
// UserStore holds registered accounts. Only SQLiteStore (and MockStore)
// implement it; the server always opens SQLite for users even when messages
// live in files or Badger.
//
// # Testing
//
// MockStore is an in-memory implementation of both interfaces. FailAppends
// lets tests simulate storage failure.
package store
