package engine

import (
	"context"

	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/logsource"
)

// Aggregate runs the full pipeline over src on a private in-process bus and
// returns the latest event end observed on timeChannel. Parsers must consume
// inbox. An empty timeChannel is resolved as in Engine.Run. The returned
// error carries the pipeline kind: read when src cannot be read,
// deployment, or stall.
func Aggregate(ctx context.Context, src logsource.Source, parsers []Producer,
	aggregators []component.Completer, inbox, timeChannel string, opts ...Option) (event.DateTimeStamp, error) {
	e := New(append(opts, WithInbox(inbox))...)
	defer func() { _ = e.Shutdown() }()

	result, err := e.Run(ctx, src, parsers, aggregators, timeChannel)
	return result.Latest, err
}
