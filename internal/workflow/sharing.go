package workflow

import (
	"log/slog"

	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// handleGetShareToken issues (or regenerates) the sharing token for a
// dashboard the requester owns. Issuing debits the share-token price;
// the issue and the debit happen as one unit inside the auth manager,
// so a declined charge leaves the previous token valid.
func handleGetShareToken(env *dispatch.Env, msg protocol.Message) error {
	if env.SharedAccess {
		return protocol.Errf(protocol.StatusNotAllowed, "sharing token cannot mint sharing tokens")
	}
	dashID, err := parseDashID(string(msg.Body))
	if err != nil {
		return err
	}

	token, err := env.Auth.IssueSharingToken(env.User, dashID)
	if err != nil {
		return err
	}

	frame, err := protocol.EncodeString(protocol.CmdGetShareToken, msg.ID, token)
	if err != nil {
		return err
	}
	env.Conn.Send(frame)
	env.Logger.Info("sharing token issued",
		slog.String("user", env.User.Name), slog.Int("dashID", dashID))
	return nil
}
