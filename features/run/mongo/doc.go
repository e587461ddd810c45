// Package mongo provides the MongoDB-backed run store. Build the low-level
// client via features/run/mongo/clients/mongo and pass it to NewStore, or use
// NewStoreFromMongo to do both in one step. The store enforces nothing
// itself; lifecycle rules stay with the orchestrator.
package mongo
