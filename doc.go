// Package gcstreams analyzes JVM garbage collection logs by streaming them
// through a small event-sourced pipeline.
//
// A run reads one log (a plain file, a gzip member, a directory of rotated
// files, or a zip/tar archive of them), publishes every line onto an event
// bus, lets one or more dialect parsers turn lines into typed GC events, and
// folds those events into aggregations such as pause statistics. The run
// ends when every consumer has seen the end-of-stream termination on each
// channel it subscribed to.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Engine                   │  Phased deployment,
//	│  (deploy, publish, await, shutdown) │  stall detection
//	└─────────────────────────────────────┘
//	           ↓ deploys
//	┌─────────────────────────────────────┐
//	│   Source → Parsers → Aggregators    │  Units with a lifecycle
//	│   (PARSER inbox, dialect outboxes)  │  and readiness latches
//	└─────────────────────────────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│             Bus                     │  In-process mailboxes
//	│       (local or NATS subjects)      │  or NATS subjects
//	└─────────────────────────────────────┘
//
// # Ordering and Termination
//
// Every subscriber on a channel sees events in publish order, and each
// channel carries exactly one termination per run. Nothing is published
// before every unit of the previous deployment phase reported ready, so a
// consumer never misses the head of the stream.
//
// Fan-out is plain subscription: several aggregators may subscribe to the
// same parser outbox, and one aggregator may subscribe to several outboxes.
// A failing or panicking handler is logged and counted; it never stops
// delivery to its neighbours.
//
//	                 ┌──────────┐
//	                 │  Source  │
//	                 └────┬─────┘
//	                      │ PARSER
//	          ┌───────────┴───────────┐
//	          ↓                       ↓
//	   ┌────────────┐          ┌────────────┐
//	   │ unified    │          │ g1         │
//	   └─────┬──────┘          └─────┬──────┘
//	         │ JVMEventParser        │ G1GCParser
//	         └──────────┬────────────┘
//	                    ↓
//	           ┌─────────────────┐
//	           │  pause-stats    │
//	           └─────────────────┘
//
// # Packages
//
// Pipeline:
//   - event: Event model, DateTimeStamp and the end-of-stream marker
//   - bus: Event bus interface and the in-process implementation
//   - bus/natsbus: Bus over NATS subjects
//   - logsource: Plain, compressed, rotated and archived log readers
//   - source: The unit publishing raw lines
//   - parser: Dialect parsers for unified and generational logs
//   - aggregator: Consuming units and built-in aggregations
//   - aggregator/tap: Websocket stream of parsed events
//   - engine: Phased orchestration of a single run
//   - component: Unit lifecycle and state machine
//
// Infrastructure:
//   - config: Layered configuration and schema validation
//   - errors: Classified errors and the failure taxonomy
//   - metric: Prometheus metrics and the /healthz endpoint
//   - health: Health status aggregation
//   - natsclient: NATS connection management
//   - pkg/latch: One-shot latches and phase barriers
//   - pkg/retry: Retry policies
//   - pkg/worker: Worker pools
//
// # Usage
//
//	gcstreams gc.log
//	gcstreams -rotating -parsers=generational -output=json logs/
//	gcstreams -bus=nats -parallel=4 a.log b.log c.log
package gcstreams
