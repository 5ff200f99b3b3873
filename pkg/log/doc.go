/*
Package log provides structured logging for sandbay built on zerolog.

A single global logger is initialized once at startup via Init, then
components derive child loggers carrying identifying fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("engine")
	logger.Info().Uint64("container_id", rec.ID).Msg("container created")

Console output (human-readable, RFC3339 timestamps) is the default;
JSON output is intended for production deployments where logs are
shipped to an aggregator.
*/
package log
