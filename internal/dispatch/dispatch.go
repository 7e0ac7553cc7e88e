// Package dispatch resolves a decoded message to its handler and
// translates handler failures into exactly one response frame. The
// handler table is fixed at startup.
package dispatch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ionstorm66/blynk-server/internal/auth"
	"github.com/ionstorm66/blynk-server/internal/notify"
	"github.com/ionstorm66/blynk-server/internal/session"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// Role is the connection's authenticated role.
type Role int

const (
	RoleNone Role = iota
	RoleDevice
	RoleApp
)

// RoleMask selects which roles a command accepts.
type RoleMask uint8

const (
	MaskNone   RoleMask = 1 << iota // unauthenticated connections
	MaskDevice                      // authenticated device role
	MaskApp                         // authenticated application role
)

func (m RoleMask) allows(r Role) bool {
	switch r {
	case RoleDevice:
		return m&MaskDevice != 0
	case RoleApp:
		return m&MaskApp != 0
	default:
		return m&MaskNone != 0
	}
}

// Env is the per-connection handler environment. Login handlers set
// Role, User and DashID; everything else reads them. It is touched
// only from the connection's own read loop, so no locking.
type Env struct {
	Logger   *slog.Logger
	Conn     session.Peer
	Auth     *auth.Manager
	Registry *session.Registry
	Notify   notify.Gateway

	// NotifyMaxRunes bounds the external notification text.
	NotifyMaxRunes int
	// NotifyTimeout caps one external gateway call.
	NotifyTimeout time.Duration

	Role   Role
	User   *auth.User
	DashID int

	// SharedAccess marks a connection authenticated with a sharing
	// token: scoped to its one dashboard, barred from minting tokens.
	SharedAccess bool
}

// Key returns the routing key the connection is paired under. Valid
// only after login.
func (e *Env) Key() session.Key {
	return session.Key{User: e.User.Name, DashID: e.DashID}
}

// Respond sends a bare status response correlated to the request.
func (e *Env) Respond(id uint16, status protocol.Status) {
	e.Conn.Send(protocol.EncodeResponse(id, status))
}

type Handler func(env *Env, msg protocol.Message) error

type route struct {
	roles   RoleMask
	handler Handler
}

// Table maps command codes to handlers. Populated once at startup;
// read-only afterwards, so Dispatch takes no lock.
type Table struct {
	logger *slog.Logger
	routes map[protocol.Command]route
}

func NewTable(logger *slog.Logger) *Table {
	return &Table{
		logger: logger.With(slog.String("component", "dispatch")),
		routes: make(map[protocol.Command]route),
	}
}

// Register installs a handler for a command code, restricted to the
// given roles. Registering the same code twice is a programming error.
func (t *Table) Register(cmd protocol.Command, roles RoleMask, h Handler) {
	if _, exists := t.routes[cmd]; exists {
		panic("dispatch: handler already registered: " + cmd.String())
	}
	t.routes[cmd] = route{roles: roles, handler: h}
}

// Dispatch resolves and runs the handler for msg. Every failure path
// produces a response frame for the originating connection; nothing
// escapes to crash the read loop or leak into another connection.
func (t *Table) Dispatch(env *Env, msg protocol.Message) {
	rt, ok := t.routes[msg.Command]
	if !ok {
		t.logger.Warn("unsupported command",
			slog.String("command", msg.Command.String()), slog.Int("msgID", int(msg.ID)))
		env.Respond(msg.ID, protocol.StatusIllegalCommand)
		return
	}
	if !rt.roles.allows(env.Role) {
		t.logger.Warn("command rejected for connection role",
			slog.String("command", msg.Command.String()), slog.Int("role", int(env.Role)))
		env.Respond(msg.ID, protocol.StatusNotAllowed)
		return
	}
	if err := rt.handler(env, msg); err != nil {
		status := translate(err)
		env.Logger.Debug("handler failed",
			slog.String("command", msg.Command.String()),
			slog.Int("status", int(status)),
			slog.Any("error", err))
		env.Respond(msg.ID, status)
	}
}

// translate maps handler errors onto wire statuses once, at the
// dispatch boundary.
func translate(err error) protocol.Status {
	var se *protocol.StatusError
	switch {
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, auth.ErrInvalidToken):
		return protocol.StatusInvalidToken
	case errors.Is(err, auth.ErrNotAllowed):
		return protocol.StatusNotAllowed
	case errors.Is(err, auth.ErrEnergyLimit):
		return protocol.StatusEnergyLimit
	case errors.Is(err, auth.ErrUserExists):
		return protocol.StatusAlreadyRegistered
	case errors.Is(err, auth.ErrNotRegistered):
		return protocol.StatusNotRegistered
	case errors.Is(err, session.ErrDeviceOffline):
		return protocol.StatusDeviceOffline
	default:
		return protocol.StatusServerError
	}
}
