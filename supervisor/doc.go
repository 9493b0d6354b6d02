/*
Package supervisor runs a fixed set of named processes that speak a request/response protocol over stdio, and relays their output to any number of subscribers.

Each running process is wrapped in a Handle. Two goroutines read its stdout and stderr in arbitrary-sized chunks and publish them to the handle's Broadcaster, which fans them out to subscribers through bounded per-subscriber queues. A subscriber that falls behind or goes away is dropped; the producer never blocks on it. When the process exits, subscribers get a terminated event and their queues are closed.

The Registry holds at most one live Handle per name. Starting is idempotent, stopping sends SIGTERM and escalates to SIGKILL after a grace period. A process that exits on its own is marked failed and is not restarted until something asks for it again.

Writes to a process's stdin go through the CommandChannel, which serializes them per process so that concurrent payloads never interleave.

Nothing is persisted and no output history is kept: a subscriber only sees output produced after it subscribed.
*/
package supervisor
