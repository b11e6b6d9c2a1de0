// Package server wires together all relay subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/windlass/relay/internal/alerts"
	"github.com/windlass/relay/internal/ble"
	"github.com/windlass/relay/internal/config"
	"github.com/windlass/relay/internal/events"
	"github.com/windlass/relay/internal/feeds"
	"github.com/windlass/relay/internal/push"
	"github.com/windlass/relay/internal/rules"
	"github.com/windlass/relay/internal/state"
	"github.com/windlass/relay/internal/storage"
	"github.com/windlass/relay/internal/transport"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Server is the assembled relay.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	bus      *events.Bus
	appUUID  string
	boatID   string
	recorder *storage.Recorder

	stateMgr   *state.Manager
	engine     *rules.Engine
	alertSvc   *alerts.Service
	history    *alerts.History
	tokenStore *push.Store
	dispatcher *push.Dispatcher
	hub        *transport.Hub
	scanner    *ble.Scanner
	poller     *feeds.Poller

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	s.bus = events.NewBus(256)

	s.initIdentity()
	s.initRecorder()
	s.initState()
	s.initPush()
	s.initAlerts()
	if err := s.initRules(); err != nil {
		return nil, err
	}
	s.initScanner()
	if err := s.initFeeds(); err != nil {
		return nil, err
	}

	s.hub = transport.NewHub(transport.Options{
		State:  s.stateMgr,
		Bus:    s.bus,
		Logger: logger.Named("ws"),
		Alerts: s.alertSvc,
		Push:   s.dispatcher,
	})

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.stateMgr.Start()
	s.alertSvc.Start(ctx)
	s.dispatcher.Start(ctx)
	s.poller.Start(ctx)
	go s.hub.Run(ctx)
	if s.scanner != nil {
		go s.scanner.Run(ctx)
	}

	s.logger.Info("starting relay",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("boat_id", s.boatID),
		zap.String("app_uuid", s.appUUID),
		zap.String("version", Version),
		zap.Bool("history_persistent", s.history != nil),
		zap.Bool("recording", s.recorder != nil),
		zap.Bool("ble", s.scanner != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.poller.Stop()
	s.engine.Stop()
	s.stateMgr.Stop()
	return err
}

// BoatID returns the resolved boat identifier: the configured one, or
// the installation uuid when nothing names the boat.
func (s *Server) BoatID() string {
	return s.boatID
}

// Close releases all resources.
func (s *Server) Close() {
	if s.history != nil {
		s.history.Close()
	}
	if s.recorder != nil {
		_ = s.recorder.Close()
	}
}

// ── Init helpers ─────────────────────────────────────────────

func (s *Server) initIdentity() {
	id, err := storage.LoadOrCreateAppUUID(s.cfg.AppUUIDFile())
	if err != nil {
		s.logger.Warn("cannot persist app uuid, using ephemeral identity",
			zap.String("path", s.cfg.AppUUIDFile()), zap.Error(err))
		id = "ephemeral"
	}
	s.appUUID = id

	// An unconfigured boat takes its installation identifier as its name.
	s.boatID = s.cfg.BoatID
	if s.boatID == "" {
		s.boatID = s.appUUID
		s.logger.Info("no boat id configured, using app uuid", zap.String("boat_id", s.boatID))
	}
}

func (s *Server) initRecorder() {
	rec, err := storage.NewRecorder(s.cfg.RecordingFile(), s.logger.Named("recorder"))
	if err != nil {
		s.logger.Warn("cannot open recording file, replication capture disabled",
			zap.String("path", s.cfg.RecordingFile()), zap.Error(err))
		return
	}
	s.recorder = rec
}

func (s *Server) initState() {
	opts := state.Options{
		BoatID: s.boatID,
		Bus:    s.bus,
		Logger: s.logger.Named("state"),
	}
	if s.recorder != nil {
		opts.Recorder = s.recorder
	}
	s.stateMgr = state.NewManager(opts)
}

func (s *Server) initPush() {
	s.tokenStore = push.NewStore(s.cfg.TokenFile(), s.logger.Named("tokens"))

	var fcm push.Provider
	if p, err := push.NewFCM(push.FCMConfig{ServerKey: s.cfg.FCMServerKey, URL: s.cfg.FCMURL}); err == nil {
		fcm = p
	} else {
		s.logger.Info("fcm provider not configured")
	}

	apnsCfg := push.APNSConfig{
		KeyID:      s.cfg.APNSKeyID,
		TeamID:     s.cfg.APNSTeamID,
		KeyFile:    s.cfg.APNSKeyFile,
		Topic:      s.cfg.APNSTopic,
		Production: s.cfg.Production,
	}

	d, err := push.NewDispatcher(push.DispatcherOptions{
		Store:  s.tokenStore,
		Logger: s.logger.Named("push"),
		APNSFactory: func() (push.Provider, error) {
			return push.NewAPNS(apnsCfg)
		},
		FCM:  fcm,
		Expo: push.NewExpo(push.ExpoConfig{AccessToken: s.cfg.ExpoAccessToken, URL: s.cfg.ExpoPushURL}),
	})
	if err != nil {
		// only fails without a store, which we always pass
		s.logger.Fatal("push dispatcher init failed", zap.Error(err))
	}
	s.dispatcher = d
}

func (s *Server) initAlerts() {
	history, err := alerts.NewHistory(s.cfg.AlertHistoryFile())
	if err != nil {
		s.logger.Warn("cannot open alert history database, history disabled",
			zap.String("path", s.cfg.AlertHistoryFile()), zap.Error(err))
	} else {
		s.history = history
		s.logger.Info("alert history opened", zap.String("path", s.cfg.AlertHistoryFile()))
	}

	svc, err := alerts.NewService(alerts.Options{
		State:   s.stateMgr,
		Bus:     s.bus,
		Logger:  s.logger.Named("alerts"),
		Pusher:  s.dispatcher,
		History: s.history,
	})
	if err != nil {
		s.logger.Fatal("alert service init failed", zap.Error(err))
	}
	s.alertSvc = svc
}

func (s *Server) initRules() error {
	s.engine = rules.NewEngine(rules.Options{
		Logger: s.logger.Named("rules"),
		Bus:    s.bus,
	})
	s.engine.SetActionSink(s.alertSvc.ProcessActions)

	for _, rule := range rules.AnchorRules() {
		if err := s.engine.Register(rule); err != nil {
			return err
		}
	}
	for _, rule := range rules.AISRules() {
		if err := s.engine.Register(rule); err != nil {
			return err
		}
	}

	s.stateMgr.SetDeltaSink(s.engine.UpdateState)
	return nil
}

func (s *Server) initScanner() {
	radio, err := ble.NewHCIRadio()
	if err != nil {
		s.logger.Warn("bluetooth adapter unavailable, scanning disabled", zap.Error(err))
		return
	}

	scanner, err := ble.NewScanner(ble.ScannerOptions{
		Radio:      radio,
		State:      s.stateMgr,
		Bus:        s.bus,
		Logger:     s.logger.Named("ble"),
		ScanWindow: s.cfg.ScanWindow,
		RestWindow: s.cfg.RestWindow,
	})
	if err != nil {
		s.logger.Warn("ble scanner init failed, scanning disabled", zap.Error(err))
		return
	}
	s.scanner = scanner
}

func (s *Server) initFeeds() error {
	poller, err := feeds.NewPoller(feeds.Options{
		State:           s.stateMgr,
		Logger:          s.logger.Named("feeds"),
		WeatherURL:      s.cfg.WeatherURL,
		WeatherSchedule: s.cfg.WeatherSchedule,
		TideURL:         s.cfg.TideURL,
		TideSchedule:    s.cfg.TideSchedule,
	})
	if err != nil {
		return err
	}
	s.poller = poller
	return nil
}

// ── Routes ───────────────────────────────────────────────────

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hubHandler)
}

func (s *Server) hubHandler(w http.ResponseWriter, r *http.Request) {
	s.hub.HandleClientWS(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"version":"` + Version + `","commit":"` + Commit + `","boatId":"` + s.boatID + `","appUuid":"` + s.appUUID + `"}`))
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	active := s.alertSvc.ActiveAlerts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"alerts": active,
		"count":  len(active),
	})
}
