// Package session holds the in-memory routing state pairing a
// dashboard's device connection with its application connections.
// Nothing here persists; the registry is rebuilt by reconnects.
package session

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// ErrDeviceOffline is reported when an application routes toward a
// dashboard with no live device connection. Non-fatal.
var ErrDeviceOffline = errors.New("session: device not in network")

// ErrSuperseded closes a device connection displaced by a newer login
// for the same dashboard.
var ErrSuperseded = errors.New("session: device connection superseded by new login")

// Peer is the non-owning view of a transport connection the registry
// routes to. *transport.Connection satisfies it.
type Peer interface {
	ID() uuid.UUID
	Send(frame []byte)
	Close(err error)
}

// Key identifies one pairing: a user's dashboard.
type Key struct {
	User   string
	DashID int
}

type role int

const (
	roleDevice role = iota + 1
	roleApp
)

// entry is the live pairing for one key: at most one device, any
// number of application viewers. Guarded by its own mutex so distinct
// dashboards never serialize against each other. dead marks an entry
// removed from the registry map; registrations must not land in it.
type entry struct {
	mu     sync.Mutex
	dead   bool
	device Peer
	apps   map[uuid.UUID]Peer
}

type binding struct {
	key  Key
	role role
}

// Registry maps pairing keys to their live connections. The outer
// lock guards only the maps; per-key mutation happens under the
// entry lock. An entry lock is never held while acquiring the outer
// lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	conns   map[uuid.UUID]binding

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[Key]*entry),
		conns:   make(map[uuid.UUID]binding),
		logger:  logger.With(slog.String("component", "session_registry")),
	}
}

func (r *Registry) entryFor(key Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{apps: make(map[uuid.UUID]Peer)}
		r.entries[key] = e
	}
	return e
}

// lockEntry returns the installed entry for key with its lock held.
// An entry collected between the map lookup and the lock acquisition
// is dead; retrying re-reads the map, so the returned entry is always
// the one registered connections are routed through.
func (r *Registry) lockEntry(key Key) *entry {
	for {
		e := r.entryFor(key)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (r *Registry) lookup(key Key) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// RegisterDevice installs conn as the dashboard's device connection.
// Latest login wins: a previously registered device connection is
// force-closed first. Paired applications are told the device came
// online.
func (r *Registry) RegisterDevice(key Key, conn Peer) {
	e := r.lockEntry(key)
	prev := e.device
	e.device = conn
	apps := collectApps(e)
	e.mu.Unlock()

	r.mu.Lock()
	if prev != nil {
		delete(r.conns, prev.ID())
	}
	r.conns[conn.ID()] = binding{key: key, role: roleDevice}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("device login superseded previous connection",
			slog.String("user", key.User), slog.Int("dashID", key.DashID))
		prev.Close(ErrSuperseded)
	}
	r.broadcast(key, apps, protocol.CmdHardwareConnected)
	r.logger.Debug("device registered", slog.String("user", key.User), slog.Int("dashID", key.DashID))
}

// RegisterApp adds conn to the dashboard's application set. Multiple
// simultaneous viewers are allowed.
func (r *Registry) RegisterApp(key Key, conn Peer) {
	e := r.lockEntry(key)
	e.apps[conn.ID()] = conn
	e.mu.Unlock()

	r.mu.Lock()
	r.conns[conn.ID()] = binding{key: key, role: roleApp}
	r.mu.Unlock()

	r.logger.Debug("application registered", slog.String("user", key.User), slog.Int("dashID", key.DashID))
}

// Unregister removes the connection from whichever slot it occupies.
// A departing device triggers the offline broadcast; an entry with no
// connections left is deleted.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.mu.Lock()
	b, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	e, ok := r.lookup(b.key)
	if !ok {
		return
	}

	wasDevice := false
	e.mu.Lock()
	switch b.role {
	case roleDevice:
		if e.device != nil && e.device.ID() == connID {
			e.device = nil
			wasDevice = true
		}
	case roleApp:
		delete(e.apps, connID)
	}
	apps := collectApps(e)
	empty := e.device == nil && len(e.apps) == 0
	e.mu.Unlock()

	if wasDevice {
		r.broadcast(b.key, apps, protocol.CmdHardwareDisconnected)
	}
	if empty {
		r.gc(b.key, e)
	}
	r.logger.Debug("connection unregistered",
		slog.String("user", b.key.User), slog.Int("dashID", b.key.DashID), slog.Int("role", int(b.role)))
}

// gc deletes the entry if it is still the installed one and still
// empty; a concurrent registration keeps it alive.
func (r *Registry) gc(key Key, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[key]
	if !ok || cur != e {
		return
	}
	e.mu.Lock()
	if e.device == nil && len(e.apps) == 0 {
		e.dead = true
		delete(r.entries, key)
	}
	e.mu.Unlock()
}

// RouteToApps forwards a device-originated body to every application
// connection for the key as an unsolicited hardware message (id 0).
// Returns the number of connections targeted.
func (r *Registry) RouteToApps(key Key, body []byte) int {
	e, ok := r.lookup(key)
	if !ok {
		return 0
	}
	e.mu.Lock()
	apps := collectApps(e)
	e.mu.Unlock()

	if len(apps) == 0 {
		return 0
	}
	frame, err := protocol.Encode(protocol.Message{Command: protocol.CmdHardware, ID: 0, Body: body})
	if err != nil {
		r.logger.Warn("dropping unroutable device message", slog.Any("error", err))
		return 0
	}
	for _, app := range apps {
		app.Send(frame)
	}
	return len(apps)
}

// RouteToDevice forwards an application-originated message to the
// key's device connection, preserving the message id so the hardware
// reply correlates.
func (r *Registry) RouteToDevice(key Key, msg protocol.Message) error {
	e, ok := r.lookup(key)
	if !ok {
		return ErrDeviceOffline
	}
	e.mu.Lock()
	device := e.device
	e.mu.Unlock()

	if device == nil {
		return ErrDeviceOffline
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	device.Send(frame)
	return nil
}

// DeviceOnline reports whether the key currently has a device paired.
func (r *Registry) DeviceOnline(key Key) bool {
	e, ok := r.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device != nil
}

// broadcast sends an unsolicited device on/offline notification to
// the given application connections. Best-effort per connection: Send
// never blocks, so one stalled viewer cannot delay the rest.
func (r *Registry) broadcast(key Key, apps []Peer, cmd protocol.Command) {
	if len(apps) == 0 {
		return
	}
	frame, err := protocol.EncodeString(cmd, 0, strconv.Itoa(key.DashID))
	if err != nil {
		return
	}
	for _, app := range apps {
		app.Send(frame)
	}
}

func collectApps(e *entry) []Peer {
	apps := make([]Peer, 0, len(e.apps))
	for _, a := range e.apps {
		apps = append(apps, a)
	}
	return apps
}
