package ir

// Version constants for the record schema and engines.
const (
	// SchemaVersion is the replicated document schema version.
	SchemaVersion = "1"

	// EngineVersion is the meshsync engine version.
	EngineVersion = "0.1.0"
)
