package config

// Merge folds other into c: sequence-valued fields concatenate, scalar
// fields are last-write-wins.
func (c *ProxyConfig) Merge(other *ProxyConfig) {
	if other == nil {
		return
	}
	if other.HeaderSelector != "" {
		c.HeaderSelector = other.HeaderSelector
	}
	c.Services = append(c.Services, other.Services...)
	c.Routes = append(c.Routes, other.Routes...)
	c.TLS = append(c.TLS, other.TLS...)
	c.Plugins = append(c.Plugins, other.Plugins...)
	c.Messaging = append(c.Messaging, other.Messaging...)
	if len(other.MiddlewareGroups) > 0 {
		if c.MiddlewareGroups == nil {
			c.MiddlewareGroups = make(map[string][]MiddlewareItem, len(other.MiddlewareGroups))
		}
		for name, items := range other.MiddlewareGroups {
			c.MiddlewareGroups[name] = items
		}
	}
}
