// Package command implements the service-manager control surface:
// installing a unit for the host init system and driving its lifecycle.
package command

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
)

const (
	serviceName        = "nylon"
	serviceDescription = "Nylon - The Extensible Proxy Server"

	defaultConfigPath    = "/etc/nylon/config.yaml"
	defaultProxyDir      = "/etc/nylon/proxy"
	defaultAcmeDir       = "/etc/nylon/acme"
	defaultStaticDir     = "/etc/nylon/static"
	systemdUnitPath      = "/etc/systemd/system/nylon.service"
)

const unitTemplate = `[Unit]
Description=%s
After=network.target

[Service]
Type=simple
ExecStart=%s run -c %s
ExecReload=/usr/bin/pkill -HUP %s
ExecStop=/usr/bin/pkill -9 %s
Restart=on-failure
RestartSec=1
KillMode=process

[Install]
WantedBy=multi-user.target
`

const defaultConfigYAML = `# Nylon Proxy Server Configuration
# Generated automatically during installation

http:
  - 0.0.0.0:8088

https:
  - 0.0.0.0:8443

metrics:
  - 127.0.0.1:6192

config_dir: "/etc/nylon/proxy"
acme: "/etc/nylon/acme"

server:
  daemon: false
  grace_period_seconds: 30
  graceful_shutdown_timeout_seconds: 10

# WebSocket adapter configuration (optional)
# websocket:
#   adapter_type: memory  # memory | redis | cluster
#   redis:
#     host: "localhost"
#     port: 6379
#     key_prefix: "nylon:ws"
`

const defaultProxyYAML = `# Nylon Proxy Configuration
# Edit this file to configure your services and routes

header_selector: x-nylon-proxy

services:
  - name: static
    service_type: static
    static:
      root: /etc/nylon/static
      index: index.html
      spa: true

routes:
  - route:
      type: host
      value: localhost
    name: app-route
    paths:
      - path: /
        path_type: prefix
        service:
          name: static
`

const defaultIndexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Welcome to nylon!</title>
</head>
<body>
<h1>Welcome to nylon!</h1>
<p>If you see this page, the nylon proxy server is successfully installed and
working.</p>
<p><em>Thank you for using nylon.</em></p>
</body>
</html>
`

// Run dispatches one service subcommand.
func Run(op string) error {
	switch op {
	case "install":
		return install()
	case "uninstall":
		return uninstall()
	case "start":
		return systemctl("start")
	case "stop":
		return systemctl("stop")
	case "restart":
		return restart()
	case "status":
		return systemctl("status")
	case "reload":
		return reload()
	}
	return errors.Config("unknown service operation %q", op)
}

func install() error {
	if err := createDefaultConfig(); err != nil {
		return err
	}

	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(errors.KindInternal, "resolve executable path", err)
	}

	unit := fmt.Sprintf(unitTemplate, serviceDescription, executable, defaultConfigPath, serviceName, serviceName)
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0o644); err != nil {
		return errors.Wrap(errors.KindInternal, "write service unit", err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	logging.Info("service installed", zap.String("unit", systemdUnitPath))
	return nil
}

func uninstall() error {
	_ = systemctl("stop")
	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindInternal, "remove service unit", err)
	}
	return systemctl("daemon-reload")
}

// restart falls back to stop+start where the init system has no native
// restart.
func restart() error {
	if runtime.GOOS == "linux" {
		return systemctl("restart")
	}
	if err := systemctl("stop"); err != nil {
		logging.Warn("stop before restart failed", zap.Error(err))
	}
	return systemctl("start")
}

// reload sends SIGHUP to the running server.
func reload() error {
	pid, err := readPid()
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return errors.Wrap(errors.KindInternal, "signal server", err)
	}
	logging.Info("reload signal sent", zap.Int("pid", pid))
	return nil
}

func readPid() (int, error) {
	out, err := exec.Command("pgrep", "-o", "-x", serviceName).Output()
	if err != nil {
		return 0, errors.Config("server process not found")
	}
	var pid int
	if _, err := fmt.Sscanf(string(out), "%d", &pid); err != nil {
		return 0, errors.Wrap(errors.KindInternal, "parse pid", err)
	}
	return pid, nil
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append(args, serviceName)...)
	if args[0] == "daemon-reload" {
		cmd = exec.Command("systemctl", "daemon-reload")
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(errors.KindInternal, "systemctl "+args[0], err)
	}
	return nil
}

// createDefaultConfig scaffolds config, proxy, static and acme
// directories, leaving existing files untouched.
func createDefaultConfig() error {
	writeIfMissing := func(path, content string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(errors.KindInternal, "create "+filepath.Dir(path), err)
		}
		if _, err := os.Stat(path); err == nil {
			logging.Warn("config file already exists, skipping", zap.String("path", path))
			return nil
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errors.Wrap(errors.KindInternal, "write "+path, err)
		}
		logging.Info("created default file", zap.String("path", path))
		return nil
	}

	if err := writeIfMissing(defaultConfigPath, defaultConfigYAML); err != nil {
		return err
	}
	if err := writeIfMissing(filepath.Join(defaultProxyDir, "base.yaml"), defaultProxyYAML); err != nil {
		return err
	}
	if err := writeIfMissing(filepath.Join(defaultStaticDir, "index.html"), defaultIndexHTML); err != nil {
		return err
	}
	if err := os.MkdirAll(defaultAcmeDir, 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, "create acme dir", err)
	}
	return nil
}
