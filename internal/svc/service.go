// Package svc runs coldtier as a systemd service through kardianos/service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service defaults.
const (
	DefaultName        = "coldtier"
	DefaultDisplayName = "coldtier Tiering Gateway"
	DefaultDescription = "S3 object gateway with tape tiering (migrate, restore, expiry)"
	DefaultConfigPath  = "/etc/coldtier/coldtier.yaml"

	// RunFlag marks an invocation made by the service manager.
	RunFlag = "--service-run"
)

// RunFunc runs the gateway until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.Run == nil {
			p.done <- fmt.Errorf("run function not configured")
			return
		}
		err := p.Run(p.ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Service run failed")
		}
		p.done <- err
	}()

	return nil
}

// Stop signals the running goroutine and waits for it.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name       string
	ConfigPath string
	UserName   string // Run the service as this user
}

// NewServiceConfig creates the systemd unit description.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: DefaultDisplayName,
		Description: DefaultDescription,
		Arguments:   []string{RunFlag, "serve", "--config", cfg.ConfigPath},
		Dependencies: []string{
			"After=network-online.target local-fs.target remote-fs.target",
			"Wants=network-online.target",
		},
		Option: service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		},
	}
	if cfg.UserName != "" {
		svcCfg.UserName = cfg.UserName
	}
	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

// Install installs the service.
func Install(cfg *ServiceConfig, force bool) error {
	svc, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	svc, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, _ := svc.Status()
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action (start, stop or restart) to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	svc, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := service.Control(svc, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	svc, err := CreateService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return svc.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run()
}

// CheckPrivileges checks that the caller may manage system services.
func CheckPrivileges() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == RunFlag {
			return true
		}
	}
	return false
}

// StripServiceFlag removes RunFlag from args.
func StripServiceFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != RunFlag {
			out = append(out, arg)
		}
	}
	return out
}
