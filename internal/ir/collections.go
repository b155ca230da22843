package ir

// Collection names in the document store. Each engine owns writes to its
// own collections; no two engines write the same one.
const (
	CollectionPeerPresence     = "peer_presence"
	CollectionMessages         = "messages"
	CollectionAcknowledgements = "acknowledgements"
	CollectionSyncRecords      = "sync_records"
	CollectionSyncConflicts    = "sync_conflicts"
)
