package workflow

import (
	"log/slog"
	"unicode/utf8"

	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/internal/notify"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// handleTweet validates a device-triggered notification and hands it
// to the external gateway off the read loop. The deferred result
// becomes a response correlated by the request id; if the connection
// is gone by then the result is dropped.
func handleTweet(env *dispatch.Env, msg protocol.Message) error {
	text := string(msg.Body)
	if text == "" || utf8.RuneCountInString(text) > env.NotifyMaxRunes {
		return protocol.Errf(protocol.StatusNotifyInvalidBody,
			"notification body is empty or larger than %d chars", env.NotifyMaxRunes)
	}

	conn := env.Conn
	id := msg.ID
	logger := env.Logger.With(slog.String("user", env.User.Name))
	notify.Async(env.Notify, logger, env.User.NotifyCredential, text, env.NotifyTimeout, func(err error) {
		// Send on a closed connection is a no-op, which is exactly
		// the drop-if-gone semantics we want here.
		if err != nil {
			conn.Send(protocol.EncodeResponse(id, protocol.StatusNotifyFailed))
			return
		}
		logger.Debug("notification delivered", slog.Int("msgID", int(id)))
		conn.Send(protocol.EncodeResponse(id, protocol.StatusOK))
	})
	return nil
}
