// Agent RDP - drive a Windows host over RDP on behalf of automation clients
// Copyright (C) 2025 - Agent RDP contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command agent-rdpd is the per-session daemon: it owns one RDP
// connection and serves automation clients over a local IPC socket.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-rdp/agent-rdp/pkg/daemon"
	"github.com/agent-rdp/agent-rdp/pkg/proto"
	"github.com/agent-rdp/agent-rdp/pkg/rdp"
)

// Exit codes: 0 clean, 1 startup error, 2 auth failure, 3 transport
// failure.
const (
	exitOK        = 0
	exitStartup   = 1
	exitAuth      = 2
	exitTransport = 3
)

func main() {
	var (
		sessionFlag string
		configFlag  string
		logJSON     bool
	)

	root := &cobra.Command{
		Use:           "agent-rdpd",
		Short:         "Headless RDP session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (default from AGENT_RDP_SESSION or \"default\")")
	root.PersistentFlags().StringVar(&configFlag, "config", daemon.ConfigPath(), "config file path")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	loadConfig := func() (*daemon.Config, error) {
		cfg, err := daemon.LoadConfig(configFlag)
		if err != nil {
			return nil, err
		}
		if sessionFlag != "" {
			cfg.Session = sessionFlag
		}
		cfg.LogJSON = cfg.LogJSON || logJSON
		return cfg, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closeLog, err := openLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			d := daemon.New(cfg, logger, nil)
			if err := d.Run(); err != nil {
				logger.Error("daemon failed", "err", err)
				os.Exit(exitCodeFor(err))
			}
			return nil
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a detached daemon for the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if daemon.DaemonAlive(cfg.Session) {
				fmt.Printf("daemon already running for session %q (pid %d)\n",
					cfg.Session, daemon.ReadPID(cfg.Session))
				return nil
			}
			if err := daemon.SpawnDaemon(cfg.Session); err != nil {
				return err
			}
			fmt.Printf("daemon started for session %q (pid %d)\n",
				cfg.Session, daemon.ReadPID(cfg.Session))
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the session daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := daemon.StopDaemon(cfg.Session); err != nil {
				return err
			}
			fmt.Printf("daemon stopped for session %q\n", cfg.Session)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the session daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !daemon.DaemonAlive(cfg.Session) {
				fmt.Printf("session %q: not running\n", cfg.Session)
				return nil
			}
			fmt.Printf("session %q: running (pid %d)\n", cfg.Session, daemon.ReadPID(cfg.Session))
			return nil
		},
	}

	root.AddCommand(runCmd, startCmd, stopCmd, statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitStartup)
	}
}

// openLogger writes to the session log file, falling back to stderr.
func openLogger(cfg *daemon.Config) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(daemon.SessionDir(cfg.Session), 0o700); err != nil {
		return nil, nil, err
	}
	var out io.Writer = os.Stderr
	closeLog := func() {}
	if f, err := os.OpenFile(daemon.LogPath(cfg.Session), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
		out = f
		closeLog = func() { f.Close() }
	}

	var handler slog.Handler = slog.NewTextHandler(out, nil)
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(out, nil)
	}
	return slog.New(handler), closeLog, nil
}

func exitCodeFor(err error) int {
	var info *proto.ErrorInfo
	if errors.As(err, &info) {
		switch info.Code {
		case proto.ErrAuthenticationFailed:
			return exitAuth
		case proto.ErrConnectionFailed, proto.ErrChannelClosed:
			return exitTransport
		}
	}
	if errors.Is(err, rdp.ErrAuthentication) {
		return exitAuth
	}
	return exitStartup
}
