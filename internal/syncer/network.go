package syncer

import "sync"

// NetworkType classifies the active network link.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkOffline  NetworkType = "offline"
)

// NetworkStatus reports the active network link. The orchestrator's policy
// gate consults it before automatic drains; platform integrations provide
// real implementations.
type NetworkStatus interface {
	Active() NetworkType
}

// StaticNetwork is a NetworkStatus with a settable link type. The default
// engine build uses it (reporting Wi-Fi unless configured otherwise);
// tests flip it to exercise the policy gate.
type StaticNetwork struct {
	mu     sync.RWMutex
	active NetworkType
}

// NewStaticNetwork creates a StaticNetwork reporting the given link type.
func NewStaticNetwork(active NetworkType) *StaticNetwork {
	if active == "" {
		active = NetworkWifi
	}
	return &StaticNetwork{active: active}
}

// Active implements NetworkStatus.
func (n *StaticNetwork) Active() NetworkType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.active
}

// Set changes the reported link type.
func (n *StaticNetwork) Set(active NetworkType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = active
}
