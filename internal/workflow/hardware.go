package workflow

import (
	"log/slog"

	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// handleHardware forwards a state change between the paired sides of
// the connection's dashboard. Device-originated updates fan out to
// every application viewer as unsolicited messages; application
// commands target the single device connection and keep their message
// id so the hardware reply correlates.
func handleHardware(env *dispatch.Env, msg protocol.Message) error {
	switch env.Role {
	case dispatch.RoleDevice:
		n := env.Registry.RouteToApps(env.Key(), msg.Body)
		env.Logger.Debug("device update forwarded", slog.Int("viewers", n))
		return nil
	case dispatch.RoleApp:
		return env.Registry.RouteToDevice(env.Key(), msg)
	default:
		// unreachable: the dispatch role mask filters this out
		return protocol.Errf(protocol.StatusNotAllowed, "hardware command without role")
	}
}
