package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/command"
	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/server"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Nylon - The Extensible Proxy Server %s

Usage:
  nylon run -c <config>      run the server against a runtime config
  nylon service <operation>  install | uninstall | start | stop | restart | status | reload
`, version)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configPath := runFlags.String("c", "/etc/nylon/config.yaml", "path to the runtime config file")
		runFlags.Parse(os.Args[2:])
		if err := handleRun(*configPath); err != nil {
			logging.Error("server failed", zap.Error(err))
			os.Exit(1)
		}

	case "service":
		if len(os.Args) < 3 {
			usage()
		}
		if err := command.Run(os.Args[2]); err != nil {
			logging.Error("service command failed", zap.Error(err))
			os.Exit(1)
		}

	default:
		usage()
	}
}

func handleRun(path string) error {
	rc, err := config.RuntimeFromFile(path)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Config{Output: rc.Server.ErrorLog})
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}

	rc.Store()

	proxyCfg, err := config.ProxyFromDir(rc.ConfigDir)
	if err != nil {
		return err
	}
	if err := server.InstallProxyConfig(proxyCfg, rc.AcmeDir); err != nil {
		return err
	}

	srv, err := server.New(rc)
	if err != nil {
		return err
	}
	logging.Info("starting nylon", zap.String("version", version))
	return srv.Run()
}
