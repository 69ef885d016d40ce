package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/coldtier/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the coldtier systemd service",
		Long: `Install, control, and inspect coldtier as a systemd service running
"coldtier serve".

Examples:
  sudo coldtier service install --config /etc/coldtier/coldtier.yaml
  sudo coldtier service start
  sudo coldtier service status
  sudo coldtier service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install coldtier as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceConfigPath, "service-config", "", "configuration file the service runs with (default "+svc.DefaultConfigPath+")")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the coldtier system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the coldtier service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show coldtier service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View coldtier service logs (journalctl)",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")
	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = cfgFile
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath
	}
	return &svc.ServiceConfig{
		Name:       serviceName,
		ConfigPath: configPath,
		UserName:   serviceUser,
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n  coldtier service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	return svc.Control(cfg, action)
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: getServiceConfig().Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}
