package bluetooth

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
	"github.com/chris-hammond-ross/pi-podcast/internal/storage"
)

// Store is the narrow persistence surface the registry consumes.
type Store interface {
	GetByMAC(ctx context.Context, mac string) (model.DeviceRecord, error)
	InsertIfAbsent(ctx context.Context, rec model.DeviceRecord) error
	RefreshSighting(ctx context.Context, mac string, name string, rssi int, lastSeen time.Time) error
	SetPaired(ctx context.Context, mac string, paired bool) error
	SetTrusted(ctx context.Context, mac string, trusted bool) error
	Delete(ctx context.Context, mac string) error
	ListAll(ctx context.Context) ([]model.DeviceRecord, error)
}

// Publisher fans events out to realtime subscribers.
type Publisher interface {
	Publish(model.Event)
}

type deviceEntry struct {
	view      model.DeviceView
	persisted bool
	wasOnline bool
}

// Registry is the session's source of truth for device state. It merges live
// discoveries with persisted records and upholds the single-active-sink
// invariant: at most one device is connected at any time.
type Registry struct {
	store        Store
	filter       *Filter
	events       Publisher
	logger       *slog.Logger
	offlineAfter time.Duration
	now          func() time.Time

	mu           sync.Mutex
	devices      map[string]*deviceEntry
	connectedMAC string
}

func NewRegistry(store Store, filter *Filter, events Publisher, logger *slog.Logger, offlineAfter time.Duration) *Registry {
	return &Registry{
		store:        store,
		filter:       filter,
		events:       events,
		logger:       logger,
		offlineAfter: offlineAfter,
		now:          time.Now,
		devices:      map[string]*deviceEntry{},
	}
}

// LoadPersisted seeds the session map with every persisted record so known
// devices are visible before the first scan.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	records, err := r.store.ListAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	for _, rec := range records {
		entry := r.entryFromRecord(rec)
		entry.wasOnline = r.isOnline(entry.view.LastSeen, now)
		r.devices[rec.MAC] = entry
	}
	return nil
}

// Observe handles one parsed announcement. A MAC already persisted bypasses
// filtering entirely: its announcement text is not stable across sessions and
// a device the user paired must never vanish from the UI over a filter miss.
func (r *Registry) Observe(ctx context.Context, ann Announcement) {
	mac := model.NormalizeMAC(ann.MAC)
	now := r.now().UTC()
	c := r.filter.Classify(ann.RawName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, seen := r.devices[mac]; seen {
		r.refreshLocked(ctx, entry, c, now)
		return
	}

	rec, err := r.store.GetByMAC(ctx, mac)
	known := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("device lookup failed", "mac", mac, "err", err)
	}

	if known {
		entry := r.entryFromRecord(rec)
		if c.Accepted && c.Name != "" {
			entry.view.Name = c.Name
		}
		if c.RSSIKnown {
			entry.view.RSSI = c.RSSI
		}
		entry.view.LastSeen = now
		entry.wasOnline = true
		r.devices[mac] = entry
		r.persistSightingLocked(ctx, entry)
		r.events.Publish(model.Event{Type: model.EventDeviceFound, Data: r.viewLocked(entry)})
		return
	}

	if !c.Accepted {
		r.logger.Debug("announcement rejected", "mac", mac, "rule", c.Rule, "name", ann.RawName)
		return
	}

	entry := &deviceEntry{
		view: model.DeviceView{
			MAC:      mac,
			Name:     c.Name,
			RSSI:     c.RSSI,
			LastSeen: now,
		},
		wasOnline: true,
	}
	rec = model.DeviceRecord{MAC: mac, Name: c.Name, RSSI: c.RSSI, LastSeen: now}
	if err := r.store.InsertIfAbsent(ctx, rec); err != nil {
		r.logger.Warn("device insert failed", "mac", mac, "err", err)
	} else {
		entry.persisted = true
	}
	r.devices[mac] = entry
	r.events.Publish(model.Event{Type: model.EventDeviceFound, Data: r.viewLocked(entry)})
}

// refreshLocked is the silent in-place update for a device already seen this
// session: no event, just fresher signal strength and last-seen.
func (r *Registry) refreshLocked(ctx context.Context, entry *deviceEntry, c Classification, now time.Time) {
	if c.Accepted && c.Name != "" {
		entry.view.Name = c.Name
	}
	if c.RSSIKnown {
		entry.view.RSSI = c.RSSI
	}
	entry.view.LastSeen = now
	entry.wasOnline = true
	r.persistSightingLocked(ctx, entry)
}

func (r *Registry) persistSightingLocked(ctx context.Context, entry *deviceEntry) {
	if !entry.persisted {
		return
	}
	err := r.store.RefreshSighting(ctx, entry.view.MAC, entry.view.Name, entry.view.RSSI, entry.view.LastSeen)
	if err != nil {
		r.logger.Warn("sighting refresh failed", "mac", entry.view.MAC, "err", err)
	}
}

// MarkConnected flags one device as the active sink and clears every other
// entry. A previously connected device gets a device-disconnected event.
func (r *Registry) MarkConnected(ctx context.Context, mac string) model.DeviceView {
	mac = model.NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.connectedMAC
	for _, entry := range r.devices {
		entry.view.Connected = false
	}

	entry := r.ensureEntryLocked(ctx, mac)
	entry.view.Connected = true
	r.connectedMAC = mac

	if previous != "" && previous != mac {
		if prev, ok := r.devices[previous]; ok {
			r.events.Publish(model.Event{Type: model.EventDeviceDisconnected, Data: r.viewLocked(prev)})
		}
	}
	view := r.viewLocked(entry)
	r.events.Publish(model.Event{Type: model.EventDeviceConnected, Data: view})
	return view
}

// MarkDisconnected clears the connected flag for a device.
func (r *Registry) MarkDisconnected(mac string) {
	mac = model.NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.devices[mac]
	if !ok {
		return
	}
	wasConnected := entry.view.Connected
	entry.view.Connected = false
	if r.connectedMAC == mac {
		r.connectedMAC = ""
	}
	if wasConnected {
		r.events.Publish(model.Event{Type: model.EventDeviceDisconnected, Data: r.viewLocked(entry)})
	}
}

// ClearConnected drops the connected flag wherever it is set. Used when the
// child process dies and the hardware link is gone with it.
func (r *Registry) ClearConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.devices {
		if entry.view.Connected {
			entry.view.Connected = false
			r.events.Publish(model.Event{Type: model.EventDeviceDisconnected, Data: r.viewLocked(entry)})
		}
	}
	r.connectedMAC = ""
}

// SetPaired records a successful pairing on both the session entry and the
// persisted row.
func (r *Registry) SetPaired(ctx context.Context, mac string, paired bool) {
	r.setFlag(ctx, mac, paired, true)
}

// SetTrusted records a successful trust change.
func (r *Registry) SetTrusted(ctx context.Context, mac string, trusted bool) {
	r.setFlag(ctx, mac, trusted, false)
}

func (r *Registry) setFlag(ctx context.Context, mac string, value bool, paired bool) {
	mac = model.NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.ensureEntryLocked(ctx, mac)
	var err error
	if paired {
		entry.view.Paired = value
		err = r.store.SetPaired(ctx, mac, value)
	} else {
		entry.view.Trusted = value
		err = r.store.SetTrusted(ctx, mac, value)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("flag update failed", "mac", mac, "err", err)
	}
	entry.persisted = entry.persisted || err == nil
	r.events.Publish(model.Event{Type: model.EventDeviceUpdated, Data: r.viewLocked(entry)})
}

// Remove drops a device from the session. The persisted row is kept by
// default so the device reappears as known on its next sighting; purge also
// deletes the row.
func (r *Registry) Remove(ctx context.Context, mac string, purge bool) {
	mac = model.NormalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.devices, mac)
	if r.connectedMAC == mac {
		r.connectedMAC = ""
	}
	if purge {
		if err := r.store.Delete(ctx, mac); err != nil {
			r.logger.Warn("device delete failed", "mac", mac, "err", err)
		}
	}
	r.events.Publish(model.Event{Type: model.EventDeviceRemoved, Data: map[string]any{"mac": mac, "purged": purge}})
}

// BeginScan clears session-only entries so a fresh scan starts from the
// persisted device set.
func (r *Registry) BeginScan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for mac, entry := range r.devices {
		if !entry.persisted {
			delete(r.devices, mac)
			if r.connectedMAC == mac {
				r.connectedMAC = ""
			}
		}
	}
}

// List returns every session device with derived online state, connected and
// online devices first.
func (r *Registry) List() []model.DeviceView {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]model.DeviceView, 0, len(r.devices))
	for _, entry := range r.devices {
		result = append(result, r.viewLocked(entry))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Connected != result[j].Connected {
			return result[i].Connected
		}
		if result[i].Online != result[j].Online {
			return result[i].Online
		}
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].MAC < result[j].MAC
	})
	return result
}

// Get returns the current view for one device.
func (r *Registry) Get(mac string) (model.DeviceView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[model.NormalizeMAC(mac)]
	if !ok {
		return model.DeviceView{}, false
	}
	return r.viewLocked(entry), true
}

// Count reports the session device count.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// ConnectedMAC returns the MAC of the active sink, if any.
func (r *Registry) ConnectedMAC() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedMAC
}

// SweepOnline re-derives online state for every entry and publishes a
// device-updated event for each device that flipped since the last sweep.
// Returns the number of flips.
func (r *Registry) SweepOnline() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	flips := 0
	for _, entry := range r.devices {
		online := r.isOnline(entry.view.LastSeen, now)
		if online == entry.wasOnline {
			continue
		}
		entry.wasOnline = online
		flips++
		r.events.Publish(model.Event{Type: model.EventDeviceUpdated, Data: r.viewLocked(entry)})
	}
	return flips
}

func (r *Registry) ensureEntryLocked(ctx context.Context, mac string) *deviceEntry {
	if entry, ok := r.devices[mac]; ok {
		return entry
	}
	entry := &deviceEntry{view: model.DeviceView{MAC: mac, Name: mac, RSSI: model.DefaultRSSI}}
	if rec, err := r.store.GetByMAC(ctx, mac); err == nil {
		entry = r.entryFromRecord(rec)
	}
	r.devices[mac] = entry
	return entry
}

func (r *Registry) entryFromRecord(rec model.DeviceRecord) *deviceEntry {
	name := rec.Name
	if name == "" {
		name = rec.MAC
	}
	rssi := rec.RSSI
	if rssi == 0 {
		rssi = model.DefaultRSSI
	}
	return &deviceEntry{
		view: model.DeviceView{
			MAC:      rec.MAC,
			Name:     name,
			RSSI:     rssi,
			Paired:   rec.Paired,
			Trusted:  rec.Trusted,
			LastSeen: rec.LastSeen,
		},
		persisted: true,
	}
}

func (r *Registry) viewLocked(entry *deviceEntry) model.DeviceView {
	view := entry.view
	view.Online = r.isOnline(view.LastSeen, r.now().UTC())
	return view
}

func (r *Registry) isOnline(lastSeen time.Time, now time.Time) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) < r.offlineAfter
}
