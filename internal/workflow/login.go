package workflow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// bodySep separates fields inside a login/register body.
const bodySep = "\x00"

// handleLogin authenticates the connection and pairs it in the
// session registry. The body shape selects the flavor:
//
//	token                      sharing-token login (application, scoped)
//	token \x00 dashID          device login
//	user \x00 pass \x00 dashID application login
func handleLogin(env *dispatch.Env, msg protocol.Message) error {
	parts := strings.Split(string(msg.Body), bodySep)
	switch len(parts) {
	case 1:
		return loginShared(env, msg, parts[0])
	case 2:
		return loginDevice(env, msg, parts[0], parts[1])
	case 3:
		return loginApp(env, msg, parts[0], parts[1], parts[2])
	default:
		return protocol.Errf(protocol.StatusIllegalBody, "login body has %d fields", len(parts))
	}
}

func loginDevice(env *dispatch.Env, msg protocol.Message, token, dashField string) error {
	user, err := env.Auth.Authenticate(token)
	if err != nil {
		return err
	}
	dashID, err := parseDashID(dashField)
	if err != nil {
		return err
	}
	if !user.OwnsDash(dashID) {
		return protocol.Errf(protocol.StatusNotAllowed, "dashboard %d not in profile", dashID)
	}

	env.Role = dispatch.RoleDevice
	env.User = user
	env.DashID = dashID
	env.Registry.RegisterDevice(env.Key(), env.Conn)

	env.Logger.Info("device logged in",
		slog.String("user", user.Name), slog.Int("dashID", dashID))
	env.Respond(msg.ID, protocol.StatusOK)
	return nil
}

func loginApp(env *dispatch.Env, msg protocol.Message, name, pass, dashField string) error {
	user, err := env.Auth.AuthenticateUserPass(name, pass)
	if err != nil {
		return err
	}
	dashID, err := parseDashID(dashField)
	if err != nil {
		return err
	}
	if !user.OwnsDash(dashID) {
		return protocol.Errf(protocol.StatusNotAllowed, "dashboard %d not in profile", dashID)
	}

	env.Role = dispatch.RoleApp
	env.User = user
	env.DashID = dashID
	env.Registry.RegisterApp(env.Key(), env.Conn)

	env.Logger.Info("application logged in",
		slog.String("user", user.Name), slog.Int("dashID", dashID))
	env.Respond(msg.ID, protocol.StatusOK)
	return nil
}

// loginShared grants application-role access to exactly the dashboard
// the sharing token was minted for and nothing else of the owner's.
func loginShared(env *dispatch.Env, msg protocol.Message, token string) error {
	user, dashID, err := env.Auth.ResolveSharingToken(token)
	if err != nil {
		return err
	}

	env.Role = dispatch.RoleApp
	env.User = user
	env.DashID = dashID
	env.SharedAccess = true
	env.Registry.RegisterApp(env.Key(), env.Conn)

	env.Logger.Info("shared access logged in",
		slog.String("owner", user.Name), slog.Int("dashID", dashID))
	env.Respond(msg.ID, protocol.StatusOK)
	return nil
}

// handleRegister creates a profile. The new auth token is returned as
// the response body so provisioning tools can flash it to hardware.
func handleRegister(env *dispatch.Env, msg protocol.Message) error {
	parts := strings.Split(string(msg.Body), bodySep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return protocol.Errf(protocol.StatusIllegalBody, "register body must be user\\0pass")
	}
	user, err := env.Auth.Register(parts[0], parts[1])
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeString(protocol.CmdRegister, msg.ID, user.AuthToken)
	if err != nil {
		return err
	}
	env.Conn.Send(frame)
	return nil
}

func handlePing(env *dispatch.Env, msg protocol.Message) error {
	env.Respond(msg.ID, protocol.StatusOK)
	return nil
}

func parseDashID(s string) (int, error) {
	dashID, err := strconv.Atoi(s)
	if err != nil {
		return 0, protocol.Errf(protocol.StatusNotAllowed, "dash board id '%s' not valid", s)
	}
	return dashID, nil
}
