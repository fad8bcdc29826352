package tlogplay

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/core"
	"pkt.systems/tlogplay/httpapi"
	"pkt.systems/tlogplay/internal/appconfig"
	"pkt.systems/tlogplay/internal/auth"
	"pkt.systems/tlogplay/internal/eventbus"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/schema"
	"pkt.systems/tlogplay/sshserver"
)

// Server composes the recordings index with the HTTP and SSH viewers.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
	SSH     sshserver.Config
	Auth    AuthConfig
	// TlogUID restricts the index to entries logged by the tlog account.
	TlogUID string
	// TlogConfigPath is the recorder configuration served over HTTP.
	TlogConfigPath string
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial user record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
	Allowed      []string
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Journal journal.Journal
	Logger  pslog.Logger
	// EventSink, when set, also receives playback and index events.
	EventSink core.EventSink
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
	enableSSH  bool
}

// WithHTTP enables the HTTP API/UI server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH viewer.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// New constructs a composable tlogplay server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSSH {
		return nil, errors.New("no services enabled")
	}
	if deps.Journal == nil {
		return nil, errors.New("journal dependency is required")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	var hub *httpapi.Hub
	var bus *eventbus.Bus
	sinks := []core.EventSink{deps.EventSink}
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HistoryEvents)
		sinks = append(sinks, hub)
	}
	if options.enableSSH {
		bus = eventbus.New(logger)
		sinks = append(sinks, bus)
	}
	sink := newEventSink(sinks...)

	authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, toSeedUsers(cfg.Auth.SeedUsers), logger)
	if err != nil {
		return nil, err
	}
	index, err := core.NewRecordingIndex(core.IndexConfig{
		Journal: deps.Journal,
		TlogUID: cfg.TlogUID,
		Sink:    sink,
	})
	if err != nil {
		return nil, err
	}
	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		Journal:   deps.Journal,
		Index:     index,
		Access:    authStore,
		EventSink: sink,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		var httpOpts []httpapi.Option
		if cfg.TlogConfigPath != "" {
			httpOpts = append(httpOpts, httpapi.WithTlogConfigPath(cfg.TlogConfigPath))
		}
		httpSrv = httpapi.NewServer(cfg.HTTP, service, authStore, hub, httpOpts...)
	}
	var sshSrv *sshserver.Server
	if options.enableSSH {
		sshSrv = &sshserver.Server{
			Addr:        cfg.SSH.Addr,
			HostKeyPath: cfg.SSH.HostKeyPath,
			IdleTimeout: cfg.SSH.IdleTimeout,
			Service:     service,
			AuthStore:   authStore,
			EventBus:    bus,
		}
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		index:   index,
		service: service,
		httpSrv: httpSrv,
		sshSrv:  sshSrv,
	}, nil
}

type indexRunner interface {
	Run(ctx context.Context) error
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	index   indexRunner
	service core.Service
	httpSrv *httpapi.Server
	sshSrv  *sshserver.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 3)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_addr", s.cfg.SSH.Addr,
	)
	if s.index != nil {
		go func() {
			if err := s.index.Run(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Error("recordings index failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSSH && s.sshSrv != nil {
		go func() {
			if err := s.sshSrv.ListenAndServe(s.ctx); err != nil {
				log.Error("ssh server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		if err := s.service.Close(); err != nil {
			log.Warn("server playback close failed", "err", err)
		} else {
			log.Info("server playback close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
			Allowed:      append([]string(nil), user.Allowed...),
		})
	}
	return out
}
