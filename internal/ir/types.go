package ir

import "time"

// TransportClass identifies the channel a peer is reachable over.
type TransportClass string

const (
	TransportUnknown      TransportClass = "unknown"
	TransportShortRange   TransportClass = "short_range"
	TransportLocalNetwork TransportClass = "local_network"
	TransportRelay        TransportClass = "relay"
)

// PresenceStatus is a peer's self-reported availability.
type PresenceStatus string

const (
	StatusAvailable PresenceStatus = "available"
	StatusBusy      PresenceStatus = "busy"
	StatusAway      PresenceStatus = "away"
)

// Valid reports whether s is one of the known presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway:
		return true
	}
	return false
}

// Capabilities advertised by every meshsync peer.
const (
	CapabilityMessaging       = "messaging"
	CapabilityLocationSharing = "location-sharing"
	CapabilityMapMarkers      = "map-markers"
	CapabilityFileTransfer    = "file-transfer"
)

// DefaultCapabilities returns the fixed capability set of a local peer.
func DefaultCapabilities() []string {
	return []string{
		CapabilityMessaging,
		CapabilityLocationSharing,
		CapabilityMapMarkers,
		CapabilityFileTransfer,
	}
}

// Peer is the local directory's view of a remote device.
type Peer struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	DeviceType    string         `json:"deviceType"`
	Capabilities  []string       `json:"capabilities"`
	Status        PresenceStatus `json:"status"`
	LastSeen      time.Time      `json:"lastSeen"`
	Connected     bool           `json:"connected"`
	Transport     TransportClass `json:"transport"`
	SignalQuality *int           `json:"signalQuality,omitempty"`
}

// PresenceLocation is the optional position attached to a presence record.
type PresenceLocation struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerPresence is the wire record a peer upserts (in place, one per peer)
// into the peer_presence collection.
type PeerPresence struct {
	PeerID       string            `json:"peerId"`
	DisplayName  string            `json:"displayName"`
	DeviceType   string            `json:"deviceType"`
	Capabilities []string          `json:"capabilities"`
	Location     *PresenceLocation `json:"location,omitempty"`
	Status       PresenceStatus    `json:"status"`
	LastUpdate   time.Time         `json:"lastUpdate"`
}

// TransportPeer is one entry of the transport-level active-peer snapshot.
// PeerKey is the device/transport identifier, equal to the peer's id.
type TransportPeer struct {
	PeerKey       string         `json:"peerKey"`
	DeviceName    string         `json:"deviceName"`
	Transport     TransportClass `json:"transport"`
	SignalQuality *int           `json:"signalQuality,omitempty"`
}

// DeviceInfo describes the local device as reported by the store.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}
