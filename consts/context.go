package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// AccountKey carries the account identifier a pipeline run is executed for.
	AccountKey = ContextKey("account")

	// ConfigContextKey is the context key for passing the loaded configuration
	// down to components that need read-only access to it.
	ConfigContextKey = ContextKey("config")
)
