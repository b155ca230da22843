package ir

import "time"

// Reconciliation data types. Each selects a normalized projection and a
// conflict resolution strategy.
const (
	DataTypeMessage  = "message"
	DataTypeMarker   = "marker"
	DataTypeLocation = "location"
)

// SyncStatus is the reconciliation status of a sync record.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// SourceOrigin tells where a write came from.
type SourceOrigin string

const (
	OriginMesh  SourceOrigin = "mesh"
	OriginRelay SourceOrigin = "relay"
	OriginLocal SourceOrigin = "local"
)

// SyncSource is one known origin of a record's content.
type SyncSource struct {
	Origin    SourceOrigin `json:"origin"`
	PeerID    string       `json:"peerId,omitempty"`
	ServerID  string       `json:"serverId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Version   int          `json:"version"`
}

// Key identifies the source independent of when it was observed.
func (s SyncSource) Key() string {
	id := s.PeerID
	if id == "" {
		id = s.ServerID
	}
	return string(s.Origin) + "/" + id
}

// Same reports whether two sources describe the same observation.
func (s SyncSource) Same(o SyncSource) bool {
	return s.Key() == o.Key() && s.Timestamp.Equal(o.Timestamp) && s.Version == o.Version
}

// ResolutionStrategy names how a conflict was (or will be) settled.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyMerge         ResolutionStrategy = "merge"
	StrategyManual        ResolutionStrategy = "manual"
)

// ConflictVersion is one competing version considered during resolution.
type ConflictVersion struct {
	Hash    string     `json:"hash"`
	Source  SyncSource `json:"source"`
	Data    Payload    `json:"data,omitempty"`
	Version int        `json:"version"`
}

// ConflictResolution records how the latest conflict on a record was settled.
type ConflictResolution struct {
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedBy string             `json:"resolvedBy"`
	ResolvedAt time.Time          `json:"resolvedAt"`
	Versions   []ConflictVersion  `json:"versions"`
	Chosen     ConflictVersion    `json:"chosen"`
}

// SyncRecord is the reconciliation ledger entry for one logical identity.
type SyncRecord struct {
	ID         string              `json:"id"`
	DataType   string              `json:"dataType"`
	SourceID   string              `json:"sourceId"`
	Hash       string              `json:"hash"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	Status     SyncStatus          `json:"status"`
	Sources    []SyncSource        `json:"sources"`
	Version    int                 `json:"version"`
	Data       Payload             `json:"data,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}

// HasSource reports whether an identical source is already recorded.
func (r SyncRecord) HasSource(src SyncSource) bool {
	for _, s := range r.Sources {
		if s.Same(src) {
			return true
		}
	}
	return false
}

// AddSource appends src unless it is already recorded.
// It reports whether the source list changed.
func (r *SyncRecord) AddSource(src SyncSource) bool {
	if r.HasSource(src) {
		return false
	}
	r.Sources = append(r.Sources, src)
	return true
}

// LatestSourceTime returns the maximum timestamp across the record's sources.
func (r SyncRecord) LatestSourceTime() time.Time {
	var latest time.Time
	for _, s := range r.Sources {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}

// ConflictStatus is the lifecycle of a conflict record.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictRecord is the document written to the sync_conflicts collection.
type ConflictRecord struct {
	ID                string         `json:"id"`
	OriginalRecordID  string         `json:"originalRecordId"`
	DataType          string         `json:"dataType"`
	ConflictingData   Payload        `json:"conflictingData"`
	ConflictingHash   string         `json:"conflictingHash"`
	ConflictingSource SyncSource     `json:"conflictingSource"`
	Timestamp         time.Time      `json:"timestamp"`
	Status            ConflictStatus `json:"status"`
}
