// Package nexus implements a multi-plugin Discord chat bot that proxies
// user commands to third-party APIs and keeps per-chat configuration and
// rate-limit state in a database.
//
// The load-bearing pieces of the package are:
//
//   - ParamRegistry: a typed catalog of configuration parameters (core and
//     plugin-contributed), each with a default value, display metadata and a
//     user-facing command alias.
//   - PeerConfigStore: per-chat settings documents with defaulting, a
//     read-through/write-through cache, and validated partial updates.
//   - RateLimiter: a per-(user, operation) throttle with an in-memory fast
//     path and a best-effort durable record for cross-restart tolerance.
//
// Everything else is glue: the Discord gateway surface, the plugin dispatch
// table, a small admin API, and the plugins themselves.
//
// Plugins register their parameters during startup via Nexus.RegisterPlugin,
// and guard expensive handlers with RateLimiter.Check before doing work.
package nexus

var (
	// Version is the current version of the application, set at build time.
	Version = "dev"

	// CommitSHA is the git commit the binary was built from.
	CommitSHA = "unknown"

	// BuildTime is the time the binary was built.
	BuildTime = "unknown"
)
