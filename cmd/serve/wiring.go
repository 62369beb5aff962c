package serve

import (
	"context"
	"log/slog"
	"time"

	"github.com/sig-0/p2pdesk/dispute"
	"github.com/sig-0/p2pdesk/engine"
	"github.com/sig-0/p2pdesk/escrow"
	"github.com/sig-0/p2pdesk/events"
	"github.com/sig-0/p2pdesk/kyc"
	"github.com/sig-0/p2pdesk/ledger"
	"github.com/sig-0/p2pdesk/limits"
	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/rating"
	"github.com/sig-0/p2pdesk/server"
	"github.com/sig-0/p2pdesk/storage"
)

// core bundles the wired settlement components
type core struct {
	deps    server.Deps
	sweeper *engine.Sweeper
	bus     *events.Bus
}

// buildCore wires the settlement components on top of the given
// storage and fund ledger
func buildCore(
	store storage.Storage,
	funds ledger.Ledger,
	kycProvider kyc.Provider,
	logger *slog.Logger,
) *core {
	bus := events.NewBus()

	book := offerbook.NewBook(store, bus, offerbook.WithLogger(logger))
	vault := escrow.NewVault(store, funds, escrow.WithLogger(logger))
	guard := limits.NewGuard(store, kycProvider, limits.WithLogger(logger))
	resolver := dispute.NewResolver(store, vault, bus, dispute.WithLogger(logger))
	ratings := rating.NewLedger(store, rating.WithLogger(logger))

	// The sweeper is constructed after the engine, so the creation
	// hook closes over the variable rather than the value
	var sweeper *engine.Sweeper

	eng := engine.New(
		store,
		book,
		vault,
		guard,
		resolver,
		bus,
		engine.WithLogger(logger),
		engine.WithTradeCreatedHook(func(tradeID string, deadline time.Time) {
			sweeper.ScheduleTimeout(tradeID, deadline)
		}),
	)

	sweeper = engine.NewSweeper(
		eng,
		book,
		store,
		engine.WithSweeperLogger(logger),
	)

	return &core{
		deps: server.Deps{
			Book:     book,
			Engine:   eng,
			Resolver: resolver,
			Ratings:  ratings,
			Limits:   guard,
		},
		sweeper: sweeper,
		bus:     bus,
	}
}

// logEvents mirrors the domain event stream into the service log
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	topics := []events.Topic{
		events.TopicOfferExpired,
		events.TopicTradeCreated,
		events.TopicPaymentClaimed,
		events.TopicTradeCompleted,
		events.TopicTradeCancelled,
		events.TopicDisputeOpened,
		events.TopicDisputeResolved,
	}

	for _, topic := range topics {
		ch, unsub := bus.Subscribe(topic, 128)

		go func(topic events.Topic, ch <-chan any, unsub func()) {
			defer unsub()

			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}

					logger.Info("event", "topic", topic.String(), "payload", payload)
				}
			}
		}(topic, ch, unsub)
	}
}
