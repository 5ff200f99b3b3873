/*
Package runtime provides the interface to the container engine.

The Runtime interface covers everything sandbay asks of the engine:
container lifecycle (create, start, stop, remove, inspect, stats),
interactive exec sessions attached to a pseudo-terminal (create, start,
resize, inspect, best-effort kill), and log streaming with a bounded
tail and optional follow.

DockerRuntime implements the interface against the Docker Engine API.
Engine "not found" responses are mapped to ErrNotFound so callers can
treat the entity as already terminal without depending on the docker
SDK. Non-TTY log streams arrive multiplexed and are demultiplexed
before being handed to the caller.

MockRuntime is an in-memory implementation used across the test suites;
its exec streams are pipe-backed so tests can script process output,
exit, and stream failure.
*/
package runtime
