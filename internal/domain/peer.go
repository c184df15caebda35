// Package domain contains entities without logic, just meta-data.
package domain

import "unicode/utf8"

const (
	MaxDisplayNameLen = 36

	// DefaultDisplayName is used when a join request omits the name.
	DefaultDisplayName = "Guest"
)

type PeerID string

// Peer is the room-facing identity of a participant as seen by other
// members. The JSON shape is part of the wire protocol.
type Peer struct {
	ID          PeerID `json:"peerId"`
	DisplayName string `json:"displayName"`
}

// NewPeer avoids raw literals in adapters and applies the display-name
// rules in one place.
func NewPeer(id PeerID, displayName string) Peer {
	if displayName == "" {
		displayName = DefaultDisplayName
	}
	if len(displayName) > MaxDisplayNameLen {
		// Cut on a rune boundary so the wire field stays valid UTF-8.
		cut := MaxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(displayName[cut]) {
			cut--
		}
		displayName = displayName[:cut]
	}
	return Peer{ID: id, DisplayName: displayName}
}
