// Package mongo owns the MongoDB connection lifecycle and exposes Txn, a
// session-bound handle whose operations all run inside one multi-document
// transaction.
//
// Txn returns raw BSON so that higher layers decide how to decode; single
// document reads report "no document" as a nil result rather than an error.
package mongo
