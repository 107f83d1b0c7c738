package feed

import (
	"context"
	"sync"

	"spyglass/pkg/logging"
	"spyglass/pkg/playback"
)

// FeedSink receives parsed descriptors. *playback.Manager implements it;
// duplicate ids are the sink's problem, not the ingester's.
type FeedSink interface {
	AddVideo(playback.VideoDescriptor) error
}

// IngestHooks are optional metrics callbacks fired per event.
type IngestHooks struct {
	// OnAccepted fires after a descriptor reaches the sink.
	OnAccepted func()
	// OnRejected fires with a reason: "bad_signature", "unparseable"
	// or "sink".
	OnRejected func(reason string)
}

func (h IngestHooks) accepted() {
	if h.OnAccepted != nil {
		h.OnAccepted()
	}
}

func (h IngestHooks) rejected(reason string) {
	if h.OnRejected != nil {
		h.OnRejected(reason)
	}
}

// Ingester drains relay clients, verifies and parses every event and
// feeds the surviving descriptors to the sink.
type Ingester struct {
	sink   FeedSink
	relays []*RelayClient
	logger logging.Logger
	hooks  IngestHooks
}

func NewIngester(sink FeedSink, relays []*RelayClient, logger logging.Logger, hooks IngestHooks) *Ingester {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Ingester{sink: sink, relays: relays, logger: logger, hooks: hooks}
}

// Run consumes every relay until the context ends and the relay channels
// close. It does not run the relay clients themselves; the caller owns
// their Run loops.
func (i *Ingester) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, relay := range i.relays {
		wg.Add(1)
		go func(rc *RelayClient) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-rc.Events():
					if !ok {
						return
					}
					i.handle(ev)
				}
			}
		}(relay)
	}
	wg.Wait()
}

func (i *Ingester) handle(ev Event) {
	if err := ev.Verify(); err != nil {
		i.hooks.rejected("bad_signature")
		i.logger.WithError(err).WithFields(logging.Fields{
			"event_id": shortID(ev.ID),
		}).Debug("Rejected unverifiable event")
		return
	}
	desc, err := ParseVideoEvent(ev)
	if err != nil {
		i.hooks.rejected("unparseable")
		i.logger.WithError(err).WithFields(logging.Fields{
			"event_id": shortID(ev.ID),
			"kind":     ev.Kind,
		}).Debug("Rejected unparseable event")
		return
	}
	if err := i.sink.AddVideo(desc); err != nil {
		i.hooks.rejected("sink")
		i.logger.WithError(err).WithFields(logging.Fields{
			"video_id": shortID(desc.ID),
		}).Warn("Feed sink refused descriptor")
		return
	}
	i.hooks.accepted()
}
