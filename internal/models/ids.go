package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// ID is the 96-bit opaque identifier used throughout the data model
// (workspaces, connectors, destinations, jobs, executions, webhook events,
// and destination records). It is backed by a MongoDB ObjectID, which is
// exactly 12 bytes / 96 bits.
type ID = primitive.ObjectID

// NewID allocates a new opaque identifier.
func NewID() ID {
	return primitive.NewObjectID()
}

// ParseID parses the hex representation of an ID as used at API/CLI boundaries.
func ParseID(hex string) (ID, error) {
	return primitive.ObjectIDFromHex(hex)
}

// ZeroID reports whether id is the zero value (unset).
func ZeroID(id ID) bool {
	return id.IsZero()
}
