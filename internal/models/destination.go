package models

// DestinationConnection holds the connection fields for a destination
// document store. These fields are stored as ciphertext and decrypted on
// read by the config store gateway.
type DestinationConnection struct {
	ConnectionString string `bson:"connectionString" json:"connectionString"`
	Database         string `bson:"database" json:"database"`
}

// Destination is a per-workspace document-store target that sync jobs write
// into.
type Destination struct {
	ID          ID                     `bson:"_id" json:"id"`
	WorkspaceID ID                     `bson:"workspaceId" json:"workspaceId"`
	Name        string                 `bson:"name" json:"name"`
	Kind        string                 `bson:"kind" json:"kind"` // always "documentStore"
	Connection  DestinationConnection  `bson:"connection" json:"connection"`
}
