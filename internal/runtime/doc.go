/*
Package runtime hosts the API and worker processes.

# Service

Service owns what both processes share:
  - the validated configuration
  - the structured logger
  - the queue client built from the transport registry
  - a Prometheus registry exposed on /metrics when MetricsPort is set

RunAPI wires the credential store, the publisher, the token issuer and the
HTTP router, serves until the context is cancelled and then shuts the server
down gracefully. RunWorker builds the consumer loop from the same
configuration and runs it until cancellation.

Both run their goroutines under an errgroup so a failing HTTP listener stops
the process instead of being logged and forgotten.

# Subpackages

  - config: YAML file plus USEREVENTS_* environment overrides and validation
  - errors: sentinel and typed errors shared by every package
  - logging: the ServiceLogger contract on top of slog and Watermill
  - metrics: Prometheus collector helpers
  - ids: ULID message ids and receipt handles
  - jsoncodec: the JSON codec used for queue bodies and HTTP payloads
*/
package runtime
