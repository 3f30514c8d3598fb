package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
)

const metricsNamespace = "mp3slice"

// App runs the HTTP server and the slicer as dskit modules.
type App struct {
	cfg    Config
	logger slog.Logger

	Server *server.Server

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App.
func New(cfg Config, logger slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

// Run starts the modules of the target and blocks until they stop, either on a
// signal or because the slicer finished its jobs. A module that failed is
// returned as an error so that the process exits non-zero.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	healthy := func() { a.logger.Info("started", "target", a.cfg.Target) }
	stopped := func() { a.logger.Info("stopped") }
	serviceFailed := func(service services.Service) {
		// Any module stopping, the slicer finishing its jobs included, stops
		// everything.
		sm.StopAsync()

		m := a.moduleName(service)
		if service.FailureCase() == modules.ErrStopProcess {
			a.logger.Info("module finished, stopping", "module", m)
			return
		}
		a.logger.Error("module failed", "module", m, "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()
	defer handler.Stop()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	if err := sm.AwaitStopped(context.Background()); err != nil {
		return err
	}

	return a.failure()
}

// failure reports the first module that stopped with an error other than the
// request to stop the process.
func (a *App) failure() error {
	for _, m := range a.ModuleManager.DependenciesForModule(a.cfg.Target) {
		if err := a.moduleFailure(m); err != nil {
			return err
		}
	}
	return a.moduleFailure(a.cfg.Target)
}

func (a *App) moduleFailure(m string) error {
	s, ok := a.serviceMap[m]
	if !ok || s.State() != services.Failed {
		return nil
	}
	if err := s.FailureCase(); err != nil && err != modules.ErrStopProcess {
		return errors.Wrapf(err, "module %s failed", m)
	}
	return nil
}

func (a *App) moduleName(service services.Service) string {
	for m, s := range a.serviceMap {
		if s == service {
			return m
		}
	}
	return "unknown"
}
