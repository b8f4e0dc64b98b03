package tracker

// Announce actions and events on the rendezvous wire.
const (
	ActionAnnounce = "announce"

	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// AnnounceRequest is sent by a node to join or refresh its membership of a
// swarm.
type AnnounceRequest struct {
	Action   string `json:"action"`
	InfoHash string `json:"info_hash"`
	PeerID   string `json:"peer_id"`
	Addr     string `json:"addr,omitempty"`
	NumWant  int    `json:"numwant"`
	Event    string `json:"event,omitempty"`
}

// PeerInfo is one swarm member returned by the rendezvous service.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

// AnnounceResponse answers an AnnounceRequest.
type AnnounceResponse struct {
	Action        string     `json:"action,omitempty"`
	InfoHash      string     `json:"info_hash,omitempty"`
	Interval      int        `json:"interval,omitempty"`
	Peers         []PeerInfo `json:"peers,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}
