package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/cache"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/driver"
	"github.com/jkaberg/nova-driver/internal/geofence"
	"github.com/jkaberg/nova-driver/internal/location"
	"github.com/jkaberg/nova-driver/internal/poller"
	"github.com/jkaberg/nova-driver/internal/snapshot"
	"github.com/jkaberg/nova-driver/internal/transmission"
	"github.com/jkaberg/nova-driver/internal/wallet"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink receives the driver view. MQTTTransmitter is the production sink.
type Sink interface {
	Transmit(s *transmission.State) error
	PublishLocation(c domain.Coordinates) error
	PublishResult(r transmission.Result) error
}

// CommandSource delivers raw driver commands.
type CommandSource interface {
	Subscribe(topic string, handler func(payload []byte)) error
}

// Notifier shows device notifications.
type Notifier interface {
	Status(title, content string)
	Incentive(inc domain.Incentive)
	ClearIncentive()
}

// SnapshotStore persists the last fix.
type SnapshotStore interface {
	Save(ctx context.Context, c domain.Coordinates) error
	Load(ctx context.Context) (domain.Coordinates, bool, error)
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	Location     location.Source
	Snapshot     SnapshotStore
	Sink         Sink
	Commands     CommandSource
	CommandTopic string
	Notifier     Notifier
}

// App wires the driver core to its inputs and outputs.
type App struct {
	cfg       *config.Config
	machine   *driver.Machine
	sessions  *poller.Poller
	exclusive *poller.Loop
	redeemer  *wallet.Redeemer
	tracker   *geofence.Tracker
	moves     *cache.Manager
	events    *bus.Bus
	opts      Options
	logger    *logrus.Logger

	commands chan []byte

	mu     sync.Mutex
	browse bool
	dirty  bool
}

// New assembles an App. events must be the bus machine and sessions publish
// on.
func New(
	cfg *config.Config,
	machine *driver.Machine,
	sessions *poller.Poller,
	redeemer *wallet.Redeemer,
	tracker *geofence.Tracker,
	events *bus.Bus,
	opts Options,
	logger *logrus.Logger,
) *App {
	return &App{
		cfg:       cfg,
		machine:   machine,
		sessions:  sessions,
		exclusive: poller.NewLoop(cfg.ExclusivePoll),
		redeemer:  redeemer,
		tracker:   tracker,
		moves:     cache.NewManager(),
		events:    events,
		opts:      opts,
		logger:    logger,
		commands:  make(chan []byte, 8),
		browse:    true,
	}
}

// Bootstrap makes the browse-mode decision from the stored snapshot. A fresh
// snapshot seeds the geofence tracker but never drives a transition.
func (a *App) Bootstrap(ctx context.Context, now time.Time) snapshot.Bootstrap {
	var boot snapshot.Bootstrap
	if a.opts.Snapshot == nil {
		boot = snapshot.Bootstrap{Browse: true}
	} else {
		c, ok, err := a.opts.Snapshot.Load(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("app: snapshot load failed")
		}
		boot = snapshot.Decide(c, ok && err == nil, now, config.SnapshotMaxAge)
	}
	if boot.Seed != nil {
		a.tracker.Update(boot.Seed)
	}

	a.mu.Lock()
	a.browse = boot.Browse
	a.dirty = true
	a.mu.Unlock()

	a.logger.WithField("browse", boot.Browse).Info("app: bootstrap complete")
	return boot
}

// Browse reports whether no recent location is known.
func (a *App) Browse() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.browse
}

// Run starts every loop and blocks until ctx is cancelled or one fails.
func (a *App) Run(ctx context.Context) error {
	sub := a.events.Subscribe()
	grp, ctx := errgroup.WithContext(ctx)

	// Location watch ------------------------------------------------------
	if a.opts.Location != nil {
		grp.Go(func() error {
			for fix := range location.Watch(ctx, a.opts.Location, config.LocationFetchInterval, a.logger) {
				a.OnFix(ctx, fix)
			}
			return ctx.Err()
		})
	}

	// Pollers -------------------------------------------------------------
	grp.Go(func() error { return a.sessions.Run(ctx) })
	grp.Go(func() error { return a.exclusive.Run(ctx, a.machine.PollExclusive) })
	grp.Go(func() error { return a.machine.RunCountdown(ctx, config.CountdownTick) })

	// Commands ------------------------------------------------------------
	if a.opts.Commands != nil {
		err := a.opts.Commands.Subscribe(a.opts.CommandTopic, func(payload []byte) {
			select {
			case a.commands <- payload:
			default:
				a.logger.Warn("app: command queue full, dropping command")
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		grp.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case payload := <-a.commands:
					a.HandleCommand(ctx, payload)
				}
			}
		})
	}

	// Event fan-out and publisher -------------------------------------------
	grp.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-sub:
				if !ok {
					return nil
				}
				a.dispatch(ev)
			case <-ticker.C:
				a.flush()
			}
		}
	})

	err := grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// OnFix handles one live location fix.
func (a *App) OnFix(ctx context.Context, fix domain.Coordinates) {
	res, changed := a.tracker.Update(&fix)
	if changed {
		a.logger.WithFields(logrus.Fields{
			"in_radius":  res.InRadius,
			"charger_id": res.NearestChargerID,
			"distance_m": res.DistanceM,
		}).Info("app: geofence verdict changed")
	}
	// Applied on every fix; the machine ignores no-op transitions.
	a.machine.OnLocation(&fix, res)

	if a.opts.Snapshot != nil {
		if err := a.opts.Snapshot.Save(ctx, fix); err != nil {
			a.logger.WithError(err).Debug("app: snapshot save failed")
		}
	}
	if a.opts.Sink != nil && a.moves.Changed(fix) {
		if err := a.opts.Sink.PublishLocation(fix); err != nil {
			a.logger.WithError(err).Debug("app: location publish failed")
			a.moves.Reset()
		}
	}

	a.mu.Lock()
	a.browse = false
	a.dirty = true
	a.mu.Unlock()
}

// dispatch routes one bus event.
func (a *App) dispatch(ev bus.Event) {
	switch ev.Kind {
	case bus.KindSessionStarted, bus.KindSessionUpdated, bus.KindSessionEnded:
		if s, ok := ev.Payload.(domain.ChargingSession); ok {
			a.machine.OnChargingSession(s, ev.Kind == bus.KindSessionStarted)
		}
	case bus.KindIncentiveEarned:
		if inc, ok := ev.Payload.(domain.Incentive); ok && a.opts.Notifier != nil {
			a.opts.Notifier.Incentive(inc)
		}
	case bus.KindIncentiveCleared:
		if a.opts.Notifier != nil {
			a.opts.Notifier.ClearIncentive()
		}
	case bus.KindStateChanged, bus.KindExclusiveChanged:
		if a.opts.Notifier != nil {
			title, content := statusText(a.machine.View())
			a.opts.Notifier.Status(title, content)
		}
	}

	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

// flush publishes the view when something changed or a countdown is running.
func (a *App) flush() {
	a.mu.Lock()
	dirty, browse := a.dirty, a.browse
	a.dirty = false
	a.mu.Unlock()

	view := a.machine.View()
	if !dirty && view.Exclusive == nil {
		return
	}
	if a.opts.Sink == nil {
		return
	}
	state := transmission.BuildState(view, a.sessions.Status(), a.sessions.Incentive(), browse)
	if err := a.opts.Sink.Transmit(state); err != nil {
		a.logger.WithError(err).Warn("MQTT transmit failed")
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
	}
}

// statusText renders the ongoing notification for the current view.
func statusText(v driver.View) (string, string) {
	switch v.State {
	case domain.StateExclusiveActive:
		if v.ArrivalConfirmed {
			return "Arrival confirmed", "Tell us how it went."
		}
		if v.Exclusive != nil {
			return "Exclusive active", fmt.Sprintf("%s: %d:%02d left", v.Exclusive.MerchantName, v.RemainingSeconds/60, v.RemainingSeconds%60)
		}
		return "Exclusive active", ""
	case domain.StateChargingActive:
		return "Charging", "Exclusive offers nearby are available."
	case domain.StateComplete:
		return "Visit complete", "Thanks for your feedback."
	default:
		return "Nova", "Find a charger to unlock exclusive offers."
	}
}
