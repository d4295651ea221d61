package model

import (
	"strings"
	"time"
)

// DefaultRSSI is reported for a device whose announcement carried no
// signal-strength reading.
const DefaultRSSI = -70

// DeviceRecord is the durable row kept for a device across restarts.
type DeviceRecord struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name"`
	RSSI      int       `json:"rssi"`
	LastSeen  time.Time `json:"last_seen"`
	Paired    bool      `json:"paired"`
	Trusted   bool      `json:"trusted"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceView is what the API and event surface expose for one device.
// Online is derived at read time and never stored; Connected only exists
// for the current session.
type DeviceView struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name"`
	RSSI      int       `json:"rssi"`
	Paired    bool      `json:"paired"`
	Trusted   bool      `json:"trusted"`
	Connected bool      `json:"is_connected"`
	Online    bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// NormalizeMAC canonicalizes a MAC address to uppercase colon-separated
// hex pairs, the primary key format used everywhere in this repo.
func NormalizeMAC(mac string) string {
	mac = strings.TrimSpace(strings.ToUpper(mac))
	mac = strings.ReplaceAll(mac, "-", ":")
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}
