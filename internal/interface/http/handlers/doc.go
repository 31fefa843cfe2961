// Package handlers contains the reusable pieces of the progress API: health
// checks, middleware and the JSON error envelope.
//
// # Health Checks
//
// Checks run in parallel with a per-check timeout. A required check failing
// makes the service not ready; an optional one only marks it unhealthy:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
// # Authentication
//
// APIKeyAuth compares the caller's key with bcrypt hashes taken from
// configuration:
//
//	auth := handlers.NewAPIKeyAuth(handlers.DefaultAPIKeyHeader, cfg.HTTP.APIKeyHashes)
//	api := handlers.ChainHandler(mux, auth.Middleware, handlers.NoCacheMiddleware)
package handlers
