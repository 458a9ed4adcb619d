package store

import (
	"github.com/rs/zerolog"

	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/log"
)

// Journaler subscribes to the event broker and writes every event to the
// store, write-behind. Losing an entry (full subscriber buffer, write
// error) degrades forensics, never correctness.
type Journaler struct {
	store  Store
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger

	// journal retention; pruned opportunistically on append
	keep       int
	sincePrune int
}

// NewJournaler creates a journaler keeping at most keep events.
func NewJournaler(s Store, broker *events.Broker, keep int) *Journaler {
	return &Journaler{
		store:  s,
		broker: broker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("journal"),
		keep:   keep,
	}
}

// Start subscribes and begins draining events into the store.
func (j *Journaler) Start() {
	j.sub = j.broker.Subscribe()
	go j.run()
}

// Stop unsubscribes and waits for the drain goroutine to exit.
func (j *Journaler) Stop() {
	close(j.stopCh)
	j.broker.Unsubscribe(j.sub)
	<-j.doneCh
}

func (j *Journaler) run() {
	defer close(j.doneCh)
	for {
		select {
		case event, ok := <-j.sub:
			if !ok {
				return
			}
			if err := j.store.AppendEvent(event); err != nil {
				j.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("journal append failed")
				continue
			}
			j.sincePrune++
			if j.keep > 0 && j.sincePrune >= j.keep/4+1 {
				j.sincePrune = 0
				if _, err := j.store.PruneJournal(j.keep); err != nil {
					j.logger.Warn().Err(err).Msg("journal prune failed")
				}
			}
		case <-j.stopCh:
			return
		}
	}
}
