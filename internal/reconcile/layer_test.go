package reconcile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/pubsub"
	"github.com/medlearn/simquota/internal/quota"
	"github.com/medlearn/simquota/internal/reconcile"
	"github.com/medlearn/simquota/internal/session"
	"github.com/medlearn/simquota/internal/store"
	"github.com/medlearn/simquota/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

type fixture struct {
	clock *quartz.Mock
	ps    *pubsub.MemoryPubsub
	store *store.SQLStore
	deps  reconcile.Deps
}

func setup(t *testing.T, userID string, allowance int64) fixture {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	logger := testutil.Logger(t)

	plans, err := plan.DefaultTable.With(map[plan.Tier]int64{plan.TierBasic: allowance})
	require.NoError(t, err)
	ps := pubsub.NewInMemory()
	t.Cleanup(func() { _ = ps.Close() })
	s, err := store.Open(filepath.Join(t.TempDir(), "simquota.db"), store.Options{
		Clock:  clock,
		Logger: logger,
		Pubsub: ps,
		Plans:  plans,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.ProvisionQuota(ctx, userID, plan.TierBasic)
	require.NoError(t, err)

	engine := quota.NewEngine(s, quota.EngineOptions{Clock: clock, Logger: logger, CacheCleanupInterval: -1})
	t.Cleanup(engine.Close)
	mgr := session.NewManager(s, session.Options{Clock: clock, Logger: logger, SweepInterval: -1})
	t.Cleanup(mgr.Close)

	return fixture{
		clock: clock,
		ps:    ps,
		store: s,
		deps: reconcile.Deps{
			UserID:   userID,
			Store:    s,
			Engine:   engine,
			Sessions: mgr,
			Repairer: quota.NewRepairer(s, quota.RepairOptions{Clock: clock, Logger: logger}),
		},
	}
}

func (f fixture) layer(t *testing.T, opts reconcile.Options) *reconcile.Layer {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	opts.Clock = f.clock
	opts.Logger = testutil.Logger(t)
	l, err := reconcile.New(ctx, f.deps, opts)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// A user on a 20 session plan with 19 used runs their last session.
func TestLastSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 20)
	ok, err := f.store.SetUsedCount(ctx, "u1", 0, 19)
	require.NoError(t, err)
	require.True(t, ok)

	l := f.layer(t, reconcile.Options{AutoCount: true})
	st := l.Status()
	require.True(t, st.Allowed)
	require.EqualValues(t, 19, st.Used)
	require.EqualValues(t, 1, st.Remaining)

	trap := f.clock.Trap().NewTimer("repair", "grace")
	defer trap.Close()

	token, err := l.StartSession(ctx, store.KindExam)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// The display moves immediately, access control does not.
	info := l.GetDisplayInfo()
	require.EqualValues(t, 20, info.Used)
	require.Zero(t, info.Remaining)
	st = l.Status()
	require.EqualValues(t, 19, st.Used)
	require.True(t, st.Allowed)

	f.clock.Advance(store.DefaultCountThreshold).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(quota.DefaultGrace).MustWait(ctx)

	require.Eventually(t, func() bool {
		st := l.Status()
		return st.Used == 20 && !st.Allowed
	}, testutil.WaitShort, testutil.IntervalFast)
	require.Equal(t, plan.ReasonQuotaExceeded, l.Status().Reason)

	_, err = l.StartSession(ctx, store.KindOral)
	var denied *reconcile.DeniedError
	require.True(t, xerrors.As(err, &denied))
	require.Equal(t, plan.ReasonQuotaExceeded, denied.Reason)

	end, err := l.EndSession(ctx, token)
	require.NoError(t, err)
	require.True(t, end.CountedTowardUsage)
	require.False(t, end.CountedNow)

	rec, err := f.store.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 20, rec.UsedCount, "counted exactly once")

	info = l.GetDisplayInfo()
	require.Equal(t, "Basic", info.PlanName)
	require.Equal(t, "20 of 20 simulations used", info.UsageText)
	require.Zero(t, info.Remaining)
	require.True(t, info.CanUpgrade)
}

func TestOptimisticDisplayIsDiscarded(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{})

	token, err := l.StartSession(ctx, store.KindPractice)
	require.NoError(t, err)
	require.EqualValues(t, 1, l.GetDisplayInfo().Used)
	require.EqualValues(t, 0, l.Status().Used)
	require.EqualValues(t, 3, l.Status().Remaining)

	// Ended before the threshold: nothing counts and the display falls back.
	f.clock.Advance(time.Minute)
	end, err := l.EndSession(ctx, token)
	require.NoError(t, err)
	require.False(t, end.CountedTowardUsage)
	require.Zero(t, l.GetDisplayInfo().Used)
	require.Equal(t, "0 of 3 simulations used", l.GetDisplayInfo().UsageText)
}

func TestMarkCountedRunsRepair(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{})

	trap := f.clock.Trap().NewTimer("repair", "grace")
	defer trap.Close()

	token, err := l.StartSession(ctx, store.KindExam)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	mark, err := l.MarkCounted(ctx, token)
	require.NoError(t, err)
	require.True(t, mark.CountedNow())
	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(quota.DefaultGrace).MustWait(ctx)

	// A second mark is a no-op and starts no repair.
	mark, err = l.MarkCounted(ctx, token)
	require.NoError(t, err)
	require.True(t, mark.AlreadyCounted)

	require.Eventually(t, func() bool {
		return l.Status().Used == 1
	}, testutil.WaitShort, testutil.IntervalFast)
	require.EqualValues(t, 1, l.GetDisplayInfo().Used)
}

// The session is started on one device and counted from another; the
// counting side still verifies the increment.
func TestMarkCountedFromAnotherLayer(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	a := f.layer(t, reconcile.Options{})
	b := f.layer(t, reconcile.Options{})

	token, err := a.StartSession(ctx, store.KindExam)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	trap := f.clock.Trap().NewTimer("repair", "grace")
	defer trap.Close()
	mark, err := b.MarkCounted(ctx, token)
	require.NoError(t, err)
	require.True(t, mark.CountedNow())
	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(quota.DefaultGrace).MustWait(ctx)

	rec, err := f.store.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UsedCount)
	require.Eventually(t, func() bool {
		return a.Status().Used == 1 && b.Status().Used == 1
	}, testutil.WaitShort, testutil.IntervalFast)
}

// lostIncrementStore reports sessions as counted but undoes the quota
// increment, as when the trigger's write is lost.
type lostIncrementStore struct {
	store.Store
}

func (s lostIncrementStore) MarkSimulationCounted(ctx context.Context, token, userID string) (store.MarkCountedResult, error) {
	before, err := s.GetQuota(ctx, userID)
	if err != nil {
		return store.MarkCountedResult{}, err
	}
	res, err := s.Store.MarkSimulationCounted(ctx, token, userID)
	if err != nil || !res.CountedNow() {
		return res, err
	}
	_, err = s.SetUsedCount(ctx, userID, before.UsedCount+1, before.UsedCount)
	return res, err
}

func TestRepairRestoresLostIncrement(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 20)
	ok, err := f.store.SetUsedCount(ctx, "u1", 0, 4)
	require.NoError(t, err)
	require.True(t, ok)

	mgr := session.NewManager(lostIncrementStore{f.store}, session.Options{
		Clock:         f.clock,
		Logger:        testutil.Logger(t),
		SweepInterval: -1,
	})
	t.Cleanup(mgr.Close)
	f.deps.Sessions = mgr
	l := f.layer(t, reconcile.Options{})

	token, err := l.StartSession(ctx, store.KindExam)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	trap := f.clock.Trap().NewTimer("repair", "grace")
	defer trap.Close()
	mark, err := l.MarkCounted(ctx, token)
	require.NoError(t, err)
	require.True(t, mark.CountedNow())
	rec, err := f.store.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 4, rec.UsedCount)

	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(quota.DefaultGrace).MustWait(ctx)

	require.Eventually(t, func() bool {
		return l.Status().Used == 5
	}, testutil.WaitShort, testutil.IntervalFast)
	rec, err = f.store.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 5, rec.UsedCount, "used_before+1, not more")
}

// gatedStore holds MarkSimulationCounted until release is closed.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s gatedStore) MarkSimulationCounted(ctx context.Context, token, userID string) (store.MarkCountedResult, error) {
	close(s.entered)
	<-s.release
	return s.Store.MarkSimulationCounted(ctx, token, userID)
}

func TestCloseWaitsForAutomaticCount(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	gs := gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	mgr := session.NewManager(gs, session.Options{
		Clock:         f.clock,
		Logger:        testutil.Logger(t),
		SweepInterval: -1,
	})
	t.Cleanup(mgr.Close)
	f.deps.Sessions = mgr
	l := f.layer(t, reconcile.Options{AutoCount: true})

	_, err := l.StartSession(ctx, store.KindExam)
	require.NoError(t, err)
	w := f.clock.Advance(store.DefaultCountThreshold)
	select {
	case <-gs.entered:
	case <-ctx.Done():
		t.Fatal("automatic count never reached the store")
	}

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()
	require.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, testutil.IntervalMedium, testutil.IntervalFast)

	close(gs.release)
	w.MustWait(ctx)
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("Close did not return")
	}
}

func TestRefreshesOnNotification(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{})

	// Drain the status published by New.
	initial := testutil.RequireReceive(ctx, t, l.Updates())
	require.EqualValues(t, 3, initial.Total)

	// Billing upgrades the user from elsewhere.
	_, err := f.store.ProvisionQuota(ctx, "u1", plan.TierPremium)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case st := <-l.Updates():
			return st.Total == 60
		default:
			return false
		}
	}, testutil.WaitShort, testutil.IntervalFast)
	require.Equal(t, "Premium", l.GetDisplayInfo().PlanName)
}

func TestOtherDeviceHoldsTheSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{})

	_, err := f.deps.Sessions.Start(ctx, "u1", store.KindOral)
	require.NoError(t, err)

	_, err = l.StartSession(ctx, store.KindExam)
	var denied *reconcile.DeniedError
	require.True(t, xerrors.As(err, &denied))
	require.Equal(t, plan.ReasonActiveSession, denied.Reason)
}

func TestPoll(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{PollInterval: time.Minute})
	testutil.RequireReceive(ctx, t, l.Updates())

	f.clock.Advance(time.Minute).MustWait(ctx)
	st := testutil.RequireReceive(ctx, t, l.Updates())
	require.True(t, st.Allowed)
	require.Equal(t, f.clock.Now(), st.CheckedAt)
}

func TestCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	f := setup(t, "u1", 3)
	l := f.layer(t, reconcile.Options{})
	require.Equal(t, 1, f.ps.Subscribers(pubsub.UserChannel("u1")))

	l.Close()
	require.Zero(t, f.ps.Subscribers(pubsub.UserChannel("u1")))
	require.Zero(t, l.GetDisplayInfo().Used)
	// Closing twice is fine.
	l.Close()
}

func TestNoPlanDisplay(t *testing.T) {
	t.Parallel()
	f := setup(t, "u1", 3)
	f.deps.UserID = "u2"
	l := f.layer(t, reconcile.Options{})

	st := l.Status()
	require.False(t, st.Allowed)
	require.Equal(t, plan.ReasonNoPlan, st.Reason)
	info := l.GetDisplayInfo()
	require.Equal(t, "No plan", info.PlanName)
	require.True(t, info.CanUpgrade)
}
