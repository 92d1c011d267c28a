package api

// Config is the kind-specific configuration block of a tool. Values are
// whatever the playbook declared; helpers coerce the common cases
type Config map[string]any

// GetString returns the string at key, or def when absent or not a string
func (c Config) GetString(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// GetInt returns the integer at key, tolerating the float64 form JSON
// decoding produces, or def when absent
func (c Config) GetInt(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetFloat returns the float at key, or def when absent
func (c Config) GetFloat(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// GetBool returns the boolean at key, or def when absent
func (c Config) GetBool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// GetMap returns the mapping at key, or nil
func (c Config) GetMap(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}
	return nil
}

// GetSlice returns the list at key, or nil
func (c Config) GetSlice(key string) []any {
	if v, ok := c[key].([]any); ok {
		return v
	}
	return nil
}

// Clone returns a shallow copy of the configuration
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	res := make(Config, len(c))
	for k, v := range c {
		res[k] = v
	}
	return res
}
