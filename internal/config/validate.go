package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/AssetsArt/nylon/internal/errors"
)

// ParseSeconds parses a duration string of the form "<N>s" (a bare number
// is also accepted) into a time.Duration. N must be positive.
func ParseSeconds(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimSuffix(trimmed, "s")
	n, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil || n == 0 {
		return 0, errors.Config("invalid duration %q: expected \"<seconds>s\"", s)
	}
	return time.Duration(n) * time.Second, nil
}

// Validate enforces the config invariants before a swap into the store:
// unique names per kind, parseable endpoints, declared plugin references,
// resolvable route targets and well-formed health checks. The returned
// error carries a single line identifying the violating name.
func (c *ProxyConfig) Validate() error {
	if err := uniqueNames("service", serviceNames(c.Services)); err != nil {
		return err
	}
	if err := uniqueNames("route", routeNames(c.Routes)); err != nil {
		return err
	}
	if err := uniqueNames("tls", tlsNames(c.TLS)); err != nil {
		return err
	}
	if err := uniqueNames("plugin", pluginNames(c.Plugins)); err != nil {
		return err
	}
	if err := uniqueNames("messaging", messagingNames(c.Messaging)); err != nil {
		return err
	}

	plugins := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		plugins[p.Name] = true
	}
	services := make(map[string]bool, len(c.Services))

	for i := range c.Services {
		s := &c.Services[i]
		services[s.Name] = true
		switch s.ServiceType {
		case ServiceHTTP:
			if len(s.Endpoints) == 0 {
				return errors.Config("http service %q must have at least one endpoint", s.Name)
			}
			for _, e := range s.Endpoints {
				if net.ParseIP(e.IP) == nil {
					return errors.Config("service %q: invalid endpoint IP %q", s.Name, e.IP)
				}
				if e.Port == 0 {
					return errors.Config("service %q: endpoint port must be set", s.Name)
				}
			}
			if hc := s.HealthCheck; hc != nil && hc.Enabled {
				if _, err := ParseSeconds(hc.Interval); err != nil {
					return errors.Config("service %q: health check interval: %v", s.Name, err)
				}
				if _, err := ParseSeconds(hc.Timeout); err != nil {
					return errors.Config("service %q: health check timeout: %v", s.Name, err)
				}
				if hc.HealthyThreshold < 1 || hc.UnhealthyThreshold < 1 {
					return errors.Config("service %q: health check thresholds must be >= 1", s.Name)
				}
			}
		case ServicePlugin:
			if s.Plugin == nil || s.Plugin.Name == "" {
				return errors.Config("plugin service %q must name a plugin", s.Name)
			}
			if s.Plugin.Entry == "" {
				return errors.Config("plugin service %q must set an entry", s.Name)
			}
			if !plugins[s.Plugin.Name] {
				return errors.Config("plugin service %q references undeclared plugin %q", s.Name, s.Plugin.Name)
			}
		case ServiceStatic:
			if s.Static == nil || s.Static.Root == "" {
				return errors.Config("static service %q must set a root", s.Name)
			}
		default:
			return errors.Config("service %q: unknown service_type %q", s.Name, s.ServiceType)
		}
	}

	messaging := make(map[string]bool, len(c.Messaging))
	for _, m := range c.Messaging {
		if len(m.Servers) == 0 {
			return errors.Config("messaging config %q must list at least one server", m.Name)
		}
		messaging[m.Name] = true
	}
	for _, p := range c.Plugins {
		if p.Type == PluginMessaging && !messaging[p.Messaging] {
			return errors.Config("plugin %q references undeclared messaging config %q", p.Name, p.Messaging)
		}
	}

	for _, r := range c.Routes {
		switch r.Route.Kind {
		case "host", "header":
		default:
			return errors.Config("route %q: invalid matcher type %q", r.Name, r.Route.Kind)
		}
		for _, p := range r.Paths {
			if !services[p.Service.Name] {
				return errors.Config("route %q: path %q references unknown service %q", r.Name, p.Path, p.Service.Name)
			}
		}
	}

	return nil
}

func uniqueNames(kind string, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return errors.Config("%s names must be unique: %q", kind, name)
		}
		seen[name] = true
	}
	return nil
}

func serviceNames(items []ServiceItem) []string {
	names := make([]string, len(items))
	for i, s := range items {
		names[i] = s.Name
	}
	return names
}

func routeNames(items []RouteConfig) []string {
	names := make([]string, len(items))
	for i, r := range items {
		names[i] = r.Name
	}
	return names
}

func tlsNames(items []TlsConfig) []string {
	names := make([]string, len(items))
	for i, t := range items {
		names[i] = t.Name
	}
	return names
}

func pluginNames(items []PluginItem) []string {
	names := make([]string, len(items))
	for i, p := range items {
		names[i] = p.Name
	}
	return names
}

func messagingNames(items []MessagingConfig) []string {
	names := make([]string, len(items))
	for i, m := range items {
		names[i] = m.Name
	}
	return names
}
