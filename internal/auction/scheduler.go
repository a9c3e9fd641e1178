package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/notify"
	"github.com/skoglund/auctiond/internal/store"
)

// SchedulerConfig carries the tick cadence and the advance-warning windows.
type SchedulerConfig struct {
	TickInterval       time.Duration
	StartingSoonWindow time.Duration
	EndingSoonWindow   time.Duration
}

// Scheduler drives time-based lifecycle transitions: starting scheduled
// auctions, ending active ones, and emitting the one-shot starting-soon and
// ending-soon notifications. Run a single instance per deployment; ticks
// that overlap a still-running pass are skipped rather than queued.
type Scheduler struct {
	cfg      SchedulerConfig
	listings store.ListingRepository
	resolver *Resolver
	bus      event.Bus
	notifier notify.Dispatcher
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer

	mu sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	cfg SchedulerConfig,
	listings store.ListingRepository,
	resolver *Resolver,
	bus event.Bus,
	notifier notify.Dispatcher,
	logger *slog.Logger,
	tp trace.TracerProvider,
	clk clock.Clock,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		listings: listings,
		resolver: resolver,
		bus:      bus,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/skoglund/auctiond/internal/auction"),
	}
}

// Run ticks until ctx is cancelled. The first pass runs immediately so due
// transitions are not delayed by a full interval after startup.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
	)

	if err := s.Tick(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick runs one scheduler pass: start due auctions, emit starting-soon and
// ending-soon warnings, and resolve auctions past their end time. A tick
// arriving while the previous one is still running returns immediately.
// Per-listing failures are logged and skipped so one bad row cannot stall
// the rest of the pass; a failing due-query aborts the remainder of the
// tick, since the store is likely unreachable.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.mu.TryLock() {
		s.logger.DebugContext(ctx, "scheduler tick skipped, previous pass still running")
		return nil
	}
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	now := s.clock.Now().UTC()

	for _, phase := range []func(context.Context, time.Time) error{
		s.startDue,
		s.notifyStartingSoon,
		s.endDue,
		s.notifyEndingSoon,
	} {
		if err := phase(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// startDue flips scheduled listings whose start time has passed to active.
func (s *Scheduler) startDue(ctx context.Context, now time.Time) error {
	due, err := s.listings.FindDue(ctx, store.StatusScheduled, store.ByStartTime, now)
	if err != nil {
		return fmt.Errorf("finding due starts: %w", err)
	}

	for _, l := range due {
		active := store.StatusActive
		err := s.listings.ConditionalUpdate(ctx, l.ID, store.StatusScheduled, l.CurrentBid, l.TotalBids, store.Update{Status: &active})
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// Another pass (or a cancellation) got there first.
			continue
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to start auction",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
			continue
		}

		s.logger.InfoContext(ctx, "auction started",
			slog.String("listing_id", l.ID),
			slog.Time("end_time", l.EndTime),
		)
		s.publish(ctx, event.AuctionStarted,
			[]string{event.ListingRoom(l.ID), event.VendorRoom(l.SellerID), event.AdminRoom},
			now,
			event.AuctionStartedData{ListingID: l.ID, EndTime: l.EndTime},
		)
	}
	return nil
}

// notifyStartingSoon emits the one-shot advance warning for scheduled
// listings starting within the configured window. The flag is written
// before the emit: a missed notification is acceptable, a repeated one
// after a crash is not.
func (s *Scheduler) notifyStartingSoon(ctx context.Context, now time.Time) error {
	due, err := s.listings.FindDueWindow(ctx, store.StatusScheduled, store.ByStartTime, now, now.Add(s.cfg.StartingSoonWindow), store.FlagStartingSoon)
	if err != nil {
		return fmt.Errorf("finding starting-soon listings: %w", err)
	}

	for _, l := range due {
		if err := s.listings.MarkNotified(ctx, l.ID, store.FlagStartingSoon); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark starting-soon notified",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
			continue
		}

		s.notifier.Emit(ctx, notify.StartingSoon, notify.ListingPayload{
			ListingID: l.ID,
			SellerID:  l.SellerID,
			At:        l.StartTime,
		})
		s.publish(ctx, event.AuctionStartingSoon,
			[]string{event.VendorRoom(l.SellerID), event.AdminRoom},
			now,
			event.SoonData{ListingID: l.ID, At: l.StartTime},
		)
	}
	return nil
}

// endDue resolves active listings whose end time has passed.
func (s *Scheduler) endDue(ctx context.Context, now time.Time) error {
	due, err := s.listings.FindDue(ctx, store.StatusActive, store.ByEndTime, now)
	if err != nil {
		return fmt.Errorf("finding due ends: %w", err)
	}

	for _, l := range due {
		if err := s.resolver.ResolveAndEnd(ctx, l.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to end auction",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// notifyEndingSoon emits the one-shot warning for active listings ending
// within the configured window.
func (s *Scheduler) notifyEndingSoon(ctx context.Context, now time.Time) error {
	due, err := s.listings.FindDueWindow(ctx, store.StatusActive, store.ByEndTime, now, now.Add(s.cfg.EndingSoonWindow), store.FlagEndingSoon)
	if err != nil {
		return fmt.Errorf("finding ending-soon listings: %w", err)
	}

	for _, l := range due {
		if err := s.listings.MarkNotified(ctx, l.ID, store.FlagEndingSoon); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark ending-soon notified",
				slog.String("listing_id", l.ID),
				slog.Any("error", err),
			)
			continue
		}

		s.notifier.Emit(ctx, notify.EndingSoon, notify.ListingPayload{
			ListingID: l.ID,
			SellerID:  l.SellerID,
			At:        l.EndTime,
		})
		s.publish(ctx, event.AuctionEndingSoon,
			[]string{event.ListingRoom(l.ID), event.VendorRoom(l.SellerID), event.AdminRoom},
			now,
			event.SoonData{ListingID: l.ID, At: l.EndTime},
		)
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, t event.Type, rooms []string, at time.Time, payload any) {
	for _, room := range rooms {
		e, err := event.New(t, room, at, payload)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to encode event",
				slog.String("type", string(t)),
				slog.Any("error", err),
			)
			return
		}
		if err := s.bus.Publish(ctx, e); err != nil {
			s.logger.WarnContext(ctx, "failed to publish event",
				slog.String("type", string(t)),
				slog.Any("error", err),
			)
		}
	}
}
