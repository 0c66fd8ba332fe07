/*
Package log provides structured logging shared by every component of a
node: the broker client, topic router, command processor, replication
pipeline, offline queue, and lifecycle manager.

It wraps zerolog to produce human-readable console output by default,
or JSON-structured logs when Config.JSONOutput is set. Logs are
enriched with component-scoped fields (component, client_id, node_id,
key) via the With* helpers so that a single log line can be correlated
back to the subsystem and entity it concerns without string parsing.

Init must be called once during node startup before any component logs;
until then Logger is the zero-value zerolog.Logger, which discards all
output.
*/
package log
