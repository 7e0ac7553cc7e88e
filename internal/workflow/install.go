// Package workflow holds the feature handlers built on the dispatch
// table, session registry, auth manager and notification gateway.
package workflow

import (
	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
)

// Install registers every core command handler. Called once at
// startup; the table rejects anything not listed here.
func Install(t *dispatch.Table) {
	t.Register(protocol.CmdRegister, dispatch.MaskNone, handleRegister)
	t.Register(protocol.CmdLogin, dispatch.MaskNone, handleLogin)
	t.Register(protocol.CmdPing, dispatch.MaskNone|dispatch.MaskDevice|dispatch.MaskApp, handlePing)
	t.Register(protocol.CmdHardware, dispatch.MaskDevice|dispatch.MaskApp, handleHardware)
	t.Register(protocol.CmdGetShareToken, dispatch.MaskApp, handleGetShareToken)
	t.Register(protocol.CmdTweet, dispatch.MaskDevice, handleTweet)
}
