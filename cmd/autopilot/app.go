package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/codefionn/autopilot/internal/config"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/devdata"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/models"
	"github.com/codefionn/autopilot/internal/policy"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/codefionn/autopilot/internal/steps"
)

// app holds everything a command needs. It is built once per invocation
// and closed when the command returns.
type app struct {
	cfg     *config.Config
	cfgErr  error
	log     *logger.Logger
	reg     *core.Registry
	models  *models.Bundle
	devdata *devdata.Store
	store   *session.Store
}

// loadApp reads the config and opens the logger and the session store. The
// models are not started; see startModels.
func loadApp(flags *globalFlags) (*app, error) {
	path := flags.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, cfgErr := config.LoadOrDefault(path)
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.workingDir != "" {
		cfg.WorkingDir = flags.workingDir
	}

	log, err := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogPath, appName)
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	if cfgErr != nil {
		log.Warn("using default config: %v", cfgErr)
	}

	store, err := session.NewStore(cfg.SessionDir, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		cfgErr: cfgErr,
		log:    log,
		reg:    steps.NewRegistry(),
		store:  store,
	}

	if cfg.DevDataPath != "" {
		dd, err := devdata.Open(cfg.DevDataPath, log)
		if err != nil {
			log.Warn("dev data disabled: %v", err)
		} else {
			a.devdata = dd
		}
	}
	return a, nil
}

// startModels creates the model clients and warms them up.
func (a *app) startModels(ctx context.Context) error {
	opts := []models.Option{models.WithLogger(a.log)}
	if a.devdata != nil {
		opts = append(opts, models.WithPromptHook(a.devdata.PromptHook))
	}
	a.models = models.New(a.cfg.Models, opts...)
	if err := a.models.Start(ctx); err != nil {
		return fmt.Errorf("failed to start models: %w", err)
	}
	return nil
}

// newManager creates the session manager with editor as the default IDE.
func (a *app) newManager(editor ide.IDE, opts ...session.ManagerOption) *session.Manager {
	deps := session.Deps{
		Config:    a.cfg,
		ConfigErr: a.cfgErr,
		Policy:    policy.New(a.reg, a.log),
		Models:    a.models,
		IDE:       editor,
		Registry:  a.reg,
		Logger:    a.log,
	}
	if a.devdata != nil {
		deps.Recorder = a.devdata
	}
	return session.NewManager(deps, a.store, opts...)
}

func (a *app) close() error {
	var errs []error
	if a.models != nil {
		a.models.Stop()
	}
	if a.devdata != nil {
		errs = append(errs, a.devdata.Close())
	}
	errs = append(errs, a.log.Close())
	return errors.Join(errs...)
}

// workspace returns the absolute workspace directory.
func (a *app) workspace() (string, error) {
	if a.cfg.WorkingDir == "" || a.cfg.WorkingDir == "." {
		return os.Getwd()
	}
	info, err := os.Stat(a.cfg.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", a.cfg.WorkingDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", a.cfg.WorkingDir)
	}
	return a.cfg.WorkingDir, nil
}
