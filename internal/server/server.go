// Package server wires the listeners, middleware and per-connection
// read loops around the routing core. Hardware and application
// clients speak the same binary protocol; applications may arrive
// over plain TCP or the websocket endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ionstorm66/blynk-server/internal/auth"
	"github.com/ionstorm66/blynk-server/internal/dispatch"
	"github.com/ionstorm66/blynk-server/internal/notify"
	"github.com/ionstorm66/blynk-server/internal/server/middleware"
	"github.com/ionstorm66/blynk-server/internal/session"
	"github.com/ionstorm66/blynk-server/internal/workflow"
	"github.com/ionstorm66/blynk-server/pkg/config"
	"github.com/ionstorm66/blynk-server/pkg/protocol"
	"github.com/ionstorm66/blynk-server/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	config   *config.Config
	auth     *auth.Manager
	registry *session.Registry
	table    *dispatch.Table
	gateway  notify.Gateway

	wg   sync.WaitGroup
	http *http.Server

	hardwareLis net.Listener
	appLis      net.Listener

	connMu   sync.Mutex
	conns    map[uuid.UUID]*transport.Connection
	wsByUser map[string][]*transport.Connection

	ctx context.Context
}

func New(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	var store auth.Store
	if cfg.Store.Path != "" {
		store = auth.NewFileStore(cfg.Store.Path)
	} else {
		store = auth.NewMemoryStore()
	}
	authMgr, err := auth.NewManager(logger, store, cfg.Quota.ShareTokenPrice, cfg.Quota.RegisterEnergy)
	if err != nil {
		return nil, err
	}

	var gateway notify.Gateway
	if cfg.Notify.GatewayURL != "" {
		gateway = notify.NewHTTPGateway(logger, cfg.Notify.GatewayURL, cfg.Notify.Timeout)
	} else {
		gateway = &notify.LogGateway{Logger: logger}
	}

	table := dispatch.NewTable(logger)
	workflow.Install(table)

	app := &App{
		logger:   logger,
		config:   cfg,
		auth:     authMgr,
		registry: session.New(logger),
		table:    table,
		gateway:  gateway,
		conns:    make(map[uuid.UUID]*transport.Connection),
		wsByUser: make(map[string][]*transport.Connection),
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	findUser := func(name string) bool {
		_, ok := authMgr.FindByName(name)
		return ok
	}
	// Close the user's oldest websocket connection to make room.
	connCycler := func(userID string) {
		if oldest := app.popOldestWS(userID); oldest != nil {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID())
			oldest.Close(errors.New("connection cycled by new connection"))
		}
	}
	mux.Handle("/websockets",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, findUser),
			middleware.NewConnectionLimiter(
				logger,
				app.wsConnCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.HTTPAddress, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) Run() error {
	var err error
	a.hardwareLis, err = net.Listen("tcp", a.config.Server.HardwareAddress)
	if err != nil {
		return err
	}
	a.appLis, err = net.Listen("tcp", a.config.Server.AppAddress)
	if err != nil {
		a.hardwareLis.Close()
		return err
	}

	go a.acceptLoop(a.hardwareLis, "hardware")
	go a.acceptLoop(a.appLis, "application")
	go func() {
		a.logger.Info("Websocket endpoint starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	a.logger.Info("Server started",
		slog.String("hardware", a.config.Server.HardwareAddress),
		slog.String("app", a.config.Server.AppAddress))

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) acceptLoop(lis net.Listener, kind string) {
	for {
		netConn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", slog.String("listener", kind), slog.Any("error", err))
			continue
		}
		a.serveConn(netConn, kind, "")
	}
}

// serveConn builds the transport connection and its dispatch
// environment. The environment is touched only from the connection's
// read loop, so handlers see a consistent role/user without locks.
func (a *App) serveConn(netConn net.Conn, kind, wsUser string) *transport.Connection {
	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		netConn,
		transport.ConnectionConfig{
			ReadTimeout: a.config.Transport.ReadTimeout,
			SendQueue:   a.config.Transport.SendQueue,
		},
		a.logger.With(slog.String("listener", kind)),
	)

	env := &dispatch.Env{
		Logger:         a.logger.With(slog.String("connID", conn.ID().String())),
		Conn:           conn,
		Auth:           a.auth,
		Registry:       a.registry,
		Notify:         a.gateway,
		NotifyMaxRunes: a.config.Notify.MaxBodyRunes,
		NotifyTimeout:  a.config.Notify.Timeout,
	}
	conn.SetOnMessageHandler(func(ctx context.Context, connID uuid.UUID, msg protocol.Message) {
		a.table.Dispatch(env, msg)
	})
	conn.SetOnCloseHandler(func(connID uuid.UUID, err error) {
		a.registry.Unregister(connID)
		a.dropConn(connID, wsUser)
	})

	a.connMu.Lock()
	a.conns[conn.ID()] = conn
	if wsUser != "" {
		a.wsByUser[wsUser] = append(a.wsByUser[wsUser], conn)
	}
	a.connMu.Unlock()

	conn.Run()
	return conn
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// The same framing runs over the websocket as over raw TCP.
	netConn := websocket.NetConn(a.ctx, wsConn, websocket.MessageBinary)
	conn := a.serveConn(netConn, "websocket", reqMeta.UserID)

	connLogger.Info("Websocket connection established", slog.String("connID", conn.ID().String()))
	<-conn.Done()
}

func (a *App) wsConnCount(userID string) int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return len(a.wsByUser[userID])
}

func (a *App) popOldestWS(userID string) *transport.Connection {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	conns := a.wsByUser[userID]
	if len(conns) == 0 {
		return nil
	}
	oldest := conns[0]
	a.wsByUser[userID] = conns[1:]
	return oldest
}

func (a *App) dropConn(connID uuid.UUID, wsUser string) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	delete(a.conns, connID)
	if wsUser == "" {
		return
	}
	conns := a.wsByUser[wsUser]
	for i, c := range conns {
		if c.ID() == connID {
			a.wsByUser[wsUser] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(a.wsByUser[wsUser]) == 0 {
		delete(a.wsByUser, wsUser)
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.hardwareLis != nil {
		a.hardwareLis.Close()
	}
	if a.appLis != nil {
		a.appLis.Close()
	}
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}

	// close all active connections.
	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.connMu.Unlock()
	for _, c := range conns {
		c.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
