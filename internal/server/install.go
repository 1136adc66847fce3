package server

import (
	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/backend"
	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/metrics"
	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/route"
	"github.com/AssetsArt/nylon/internal/store"
	"github.com/AssetsArt/nylon/internal/tlsstore"
)

// InstallProxyConfig validates the merged proxy config and swaps every
// derived registry into the global store. Validation happens before any
// swap, so a bad config leaves the active generation untouched;
// in-flight requests drain against the snapshot they already took.
func InstallProxyConfig(cfg *config.ProxyConfig, acmeDir string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	table, err := route.Compile(cfg)
	if err != nil {
		return err
	}

	if err := plugin.Register(cfg); err != nil {
		return err
	}

	if err := backend.StoreServices(cfg.Services); err != nil {
		return err
	}

	services := make(map[string]*config.ServiceItem, len(cfg.Services))
	for i := range cfg.Services {
		services[cfg.Services[i].Name] = &cfg.Services[i]
	}
	store.Insert(store.KeyServices, services)

	if err := tlsstore.Store(cfg.TLS, acmeDir); err != nil {
		return err
	}

	route.StoreTable(table)

	logging.Info("proxy configuration installed",
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("plugins", len(cfg.Plugins)))
	return nil
}

// Reload re-reads the proxy config directory and installs it. Failures
// leave the previous generation serving.
func Reload(runtime *config.RuntimeConfig) error {
	cfg, err := config.ProxyFromDir(runtime.ConfigDir)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return err
	}
	if err := InstallProxyConfig(cfg, runtime.AcmeDir); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return err
	}
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	return nil
}
