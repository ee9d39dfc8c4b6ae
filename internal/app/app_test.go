package app

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/driver"
	"github.com/jkaberg/nova-driver/internal/geofence"
	"github.com/jkaberg/nova-driver/internal/poller"
	"github.com/jkaberg/nova-driver/internal/transmission"
	"github.com/jkaberg/nova-driver/internal/wallet"
)

// fakeAPI backs the machine, the session poller and the wallet.
type fakeAPI struct{}

func (f *fakeAPI) CheckLocation(ctx context.Context, lat, lng float64) (*backend.LocationCheck, error) {
	return &backend.LocationCheck{InChargerRadius: true, DistanceM: 10, NearestChargerID: "ch-1"}, nil
}

func (f *fakeAPI) ActivateExclusive(ctx context.Context, req backend.ActivateRequest) (*backend.ActivateResponse, error) {
	return &backend.ActivateResponse{ExclusiveSession: backend.ExclusivePayload{
		ID:        "ex-1",
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}}, nil
}

func (f *fakeAPI) CompleteExclusive(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) GetActiveExclusive(ctx context.Context) (*backend.ActiveExclusiveResponse, error) {
	return &backend.ActiveExclusiveResponse{}, nil
}

func (f *fakeAPI) InvalidateActiveExclusive() {}

func (f *fakeAPI) HasToken() bool { return true }

func (f *fakeAPI) GetChargingSessionStatus(ctx context.Context) (*backend.ChargingStatus, error) {
	return &backend.ChargingStatus{}, nil
}

func (f *fakeAPI) RedeemReward(ctx context.Context, merchantID string, amount int, key string) (*backend.RedeemResponse, error) {
	return &backend.RedeemResponse{TransactionID: "tx-1", BalanceAfter: 500}, nil
}

type fakeSink struct {
	mu        sync.Mutex
	states    []*transmission.State
	locations []domain.Coordinates
	results   []transmission.Result
}

func (s *fakeSink) Transmit(st *transmission.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

func (s *fakeSink) PublishLocation(c domain.Coordinates) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = append(s.locations, c)
	return nil
}

func (s *fakeSink) PublishResult(r transmission.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

type fakeNotifier struct {
	statuses   []string
	incentives []domain.Incentive
	cleared    int
}

func (n *fakeNotifier) Status(title, content string)   { n.statuses = append(n.statuses, title) }
func (n *fakeNotifier) Incentive(inc domain.Incentive) { n.incentives = append(n.incentives, inc) }
func (n *fakeNotifier) ClearIncentive()                { n.cleared++ }

type memSnapshot struct {
	saved *domain.Coordinates
}

func (m *memSnapshot) Save(ctx context.Context, c domain.Coordinates) error {
	m.saved = &c
	return nil
}

func (m *memSnapshot) Load(ctx context.Context) (domain.Coordinates, bool, error) {
	if m.saved == nil {
		return domain.Coordinates{}, false, nil
	}
	return *m.saved, true, nil
}

var charger = domain.Charger{ID: "ch-1", Lat: 59.9100, Lng: 10.7500}

type fixture struct {
	app      *App
	machine  *driver.Machine
	sessions *poller.Poller
	sink     *fakeSink
	notifier *fakeNotifier
	snap     *memSnapshot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.GetDefaultConfig()
	api := &fakeAPI{}
	events := bus.New()
	machine := driver.New(api, events, driver.Options{}, logger)
	machine.SetDiscovery("A", "")
	sessions := poller.New(api, events, cfg.SessionPoll, logger)

	f := &fixture{
		machine:  machine,
		sessions: sessions,
		sink:     &fakeSink{},
		notifier: &fakeNotifier{},
		snap:     &memSnapshot{},
	}
	f.app = New(cfg, machine, sessions, wallet.NewRedeemer(api, logger),
		geofence.NewTracker([]domain.Charger{charger}, cfg.GeofenceRadiusM), events,
		Options{Sink: f.sink, Notifier: f.notifier, Snapshot: f.snap}, logger)
	return f
}

func command(t *testing.T, cmd Command) []byte {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return raw
}

func TestOnFixDrivesGeofenceAndSnapshot(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.app.Browse())

	fix := domain.Coordinates{Lat: 59.9101, Lng: 10.7501, AccuracyMeters: 6, FixTimestamp: time.Now()}
	f.app.OnFix(context.Background(), fix)

	assert.Equal(t, domain.StateChargingActive, f.machine.State())
	assert.False(t, f.app.Browse())
	require.NotNil(t, f.snap.saved)
	assert.Equal(t, fix, *f.snap.saved)
	assert.Len(t, f.sink.locations, 1)

	// ~5 m of jitter updates the snapshot but is not republished
	jitter := domain.Coordinates{Lat: 59.91015, Lng: 10.7501, FixTimestamp: time.Now()}
	f.app.OnFix(context.Background(), jitter)
	assert.Equal(t, jitter, *f.snap.saved)
	assert.Len(t, f.sink.locations, 1)

	f.app.OnFix(context.Background(), domain.Coordinates{Lat: 59.9300, Lng: 10.7500})
	assert.Equal(t, domain.StatePreCharging, f.machine.State())
	assert.Len(t, f.sink.locations, 2)
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	boot := f.app.Bootstrap(context.Background(), time.Now())
	assert.True(t, boot.Browse)
	assert.True(t, f.app.Browse())

	f.snap.saved = &domain.Coordinates{Lat: charger.Lat, Lng: charger.Lng, FixTimestamp: time.Now().Add(-time.Hour)}
	boot = f.app.Bootstrap(context.Background(), time.Now())
	assert.False(t, boot.Browse)
	assert.False(t, f.app.Browse())
	assert.Equal(t, domain.StatePreCharging, f.machine.State(), "a snapshot never moves the machine")

	last, ok := f.app.tracker.Last()
	require.True(t, ok)
	assert.True(t, last.InRadius)
}

func TestHandleCommandActivateFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.app.OnFix(ctx, domain.Coordinates{Lat: charger.Lat, Lng: charger.Lng, AccuracyMeters: 5})

	res := f.app.HandleCommand(ctx, command(t, Command{Action: ActionActivate, MerchantID: "m-1", MerchantName: "Corner Cafe"}))
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StateExclusiveActive, f.machine.State())
	ex, ok := res.Detail.(*domain.ExclusiveSession)
	require.True(t, ok)
	assert.Equal(t, "Corner Cafe", ex.MerchantName)

	for _, action := range []string{ActionConfirmArrival, ActionCompleteFeedback, ActionDismissPreferences} {
		res = f.app.HandleCommand(ctx, command(t, Command{Action: action}))
		require.True(t, res.OK, "%s: %s", action, res.Message)
	}
	assert.Equal(t, domain.StateChargingActive, f.machine.State())
	assert.Len(t, f.sink.results, 4)
}

func TestHandleCommandRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.app.HandleCommand(ctx, []byte("{not json"))
	assert.False(t, res.OK)

	res = f.app.HandleCommand(ctx, command(t, Command{Action: "teleport"}))
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "unknown action")

	res = f.app.HandleCommand(ctx, command(t, Command{Action: ActionActivate, MerchantID: "m-1"}))
	assert.False(t, res.OK)
	assert.Equal(t, "We need your location to activate this exclusive.", res.Message)

	res = f.app.HandleCommand(ctx, command(t, Command{Action: ActionCancel}))
	assert.False(t, res.OK)
}

func TestHandleCommandVisibilityAndDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hidden := false

	res := f.app.HandleCommand(ctx, command(t, Command{Action: ActionVisibility, Visible: &hidden}))
	require.True(t, res.OK)
	assert.False(t, f.sessions.Visible())
	assert.False(t, f.app.exclusive.Visible())

	res = f.app.HandleCommand(ctx, command(t, Command{Action: ActionDiscovery, Tier: "C"}))
	require.True(t, res.OK)

	f.app.OnFix(ctx, domain.Coordinates{Lat: charger.Lat, Lng: charger.Lng})
	res = f.app.HandleCommand(ctx, command(t, Command{Action: ActionActivate, MerchantID: "m-1"}))
	assert.False(t, res.OK, "tier C fails the confidence gate")
}

func TestHandleCommandRedeem(t *testing.T) {
	f := newFixture(t)
	res := f.app.HandleCommand(context.Background(), command(t, Command{Action: ActionRedeem, MerchantID: "m-1", Amount: 100}))
	require.True(t, res.OK, res.Message)
	tx, ok := res.Detail.(*domain.RedemptionTransaction)
	require.True(t, ok)
	assert.Equal(t, "tx-1", tx.TransactionID)
	assert.NotEmpty(t, tx.IdempotencyKey)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)

	f.app.dispatch(bus.Event{Kind: bus.KindSessionStarted, Payload: domain.ChargingSession{SessionID: "s-1", IsActive: true}})
	assert.Equal(t, domain.StateChargingActive, f.machine.State())

	inc := domain.Incentive{SessionID: "s-1", Cents: 150}
	f.app.dispatch(bus.Event{Kind: bus.KindIncentiveEarned, Payload: inc})
	f.app.dispatch(bus.Event{Kind: bus.KindIncentiveCleared, Payload: inc})
	require.Len(t, f.notifier.incentives, 1)
	assert.Equal(t, 150, f.notifier.incentives[0].Cents)
	assert.Equal(t, 1, f.notifier.cleared)

	f.app.dispatch(bus.Event{Kind: bus.KindStateChanged, Payload: domain.StateChargingActive})
	assert.Equal(t, []string{"Charging"}, f.notifier.statuses)
}

func TestFlushPublishesOnlyWhenDirty(t *testing.T) {
	f := newFixture(t)

	f.app.flush()
	assert.Empty(t, f.sink.states)

	f.app.dispatch(bus.Event{Kind: bus.KindStateChanged})
	f.app.flush()
	require.Len(t, f.sink.states, 1)
	assert.Equal(t, "PRE_CHARGING", f.sink.states[0].DriverState)
	assert.True(t, f.sink.states[0].Browse)

	f.app.flush()
	assert.Len(t, f.sink.states, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusText(t *testing.T) {
	title, content := statusText(driver.View{
		State:            domain.StateExclusiveActive,
		Exclusive:        &domain.ExclusiveSession{MerchantName: "Corner Cafe"},
		RemainingSeconds: 754,
	})
	assert.Equal(t, "Exclusive active", title)
	assert.Equal(t, "Corner Cafe: 12:34 left", content)
}
