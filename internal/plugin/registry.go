package plugin

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/store"
)

// Register loads every declared plugin: shared libraries for the ffi
// carrier and client bindings for the messaging carrier. Both registries
// swap wholesale into the global store.
func Register(cfg *config.ProxyConfig) error {
	messagingConfigs := make(map[string]*config.MessagingConfig, len(cfg.Messaging))
	for i := range cfg.Messaging {
		messagingConfigs[cfg.Messaging[i].Name] = &cfg.Messaging[i]
	}
	store.Insert(store.KeyMessagingConfig, messagingConfigs)

	ffiPlugins := make(map[string]*FfiPlugin)
	messagingPlugins := make(map[string]*MessagingPlugin)

	for i := range cfg.Plugins {
		item := &cfg.Plugins[i]
		switch item.Type {
		case config.PluginFfi:
			var pluginConfig []byte
			if item.Config != nil {
				encoded, err := json.Marshal(item.Config)
				if err != nil {
					return errors.Wrap(errors.KindConfig, "plugin "+item.Name+" config", err)
				}
				pluginConfig = encoded
			}
			lib, err := LoadLibrary(item.File, pluginConfig)
			if err != nil {
				return err
			}
			ffiPlugins[item.Name] = lib
			logging.Info("loaded ffi plugin",
				zap.String("plugin", item.Name),
				zap.String("file", item.File))

		case config.PluginMessaging:
			mc, ok := messagingConfigs[item.Messaging]
			if !ok {
				return errors.Config("plugin %q references undeclared messaging config %q", item.Name, item.Messaging)
			}
			mp, err := NewMessagingPlugin(item, mc)
			if err != nil {
				return errors.Wrap(errors.KindConfig, "plugin "+item.Name, err)
			}
			messagingPlugins[item.Name] = mp
			logging.Info("registered messaging plugin",
				zap.String("plugin", item.Name),
				zap.String("config", item.Messaging),
				zap.String("queue", mp.QueueGroup))

		default:
			return errors.Config("plugin %q: unknown plugin type %q", item.Name, item.Type)
		}
	}

	store.Insert(store.KeyPlugins, ffiPlugins)
	store.Insert(store.KeyMessagingPlugins, messagingPlugins)
	return nil
}

// GetFfi returns a loaded ffi plugin by name.
func GetFfi(name string) (*FfiPlugin, error) {
	plugins, ok := store.Get[map[string]*FfiPlugin](store.KeyPlugins)
	if !ok {
		return nil, errors.Config("plugins not loaded")
	}
	lib, ok := plugins[name]
	if !ok {
		return nil, errors.Config("plugin %q not found", name)
	}
	return lib, nil
}

// GetMessaging returns a registered messaging plugin by name.
func GetMessaging(name string) (*MessagingPlugin, error) {
	plugins, ok := store.Get[map[string]*MessagingPlugin](store.KeyMessagingPlugins)
	if !ok {
		return nil, errors.Config("messaging plugins not loaded")
	}
	mp, ok := plugins[name]
	if !ok {
		return nil, errors.Config("messaging plugin %q not found", name)
	}
	return mp, nil
}

// Resolve finds the carrier for a middleware plugin name: ffi first,
// then messaging.
func Resolve(name string) (*FfiPlugin, *MessagingPlugin, error) {
	if plugins, ok := store.Get[map[string]*FfiPlugin](store.KeyPlugins); ok {
		if lib, ok := plugins[name]; ok {
			return lib, nil, nil
		}
	}
	if plugins, ok := store.Get[map[string]*MessagingPlugin](store.KeyMessagingPlugins); ok {
		if mp, ok := plugins[name]; ok {
			return nil, mp, nil
		}
	}
	return nil, nil, errors.Config("plugin %q not found", name)
}
