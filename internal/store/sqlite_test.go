package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/store"
	"github.com/medlearn/simquota/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func newStore(t *testing.T, clock quartz.Clock, opts store.Options) *store.SQLStore {
	t.Helper()
	opts.Clock = clock
	opts.Logger = testutil.Logger(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "simquota.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestCanStart_NoPlan(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s := newStore(t, quartz.NewMock(t), store.Options{})

	res, err := s.CanStartSimulation(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, res.CanStart)
	require.Equal(t, plan.ReasonNoPlan, res.Reason)

	res, err = s.CanStartSimulation(ctx, "")
	require.NoError(t, err)
	require.Equal(t, plan.ReasonNotAuthenticated, res.Reason)

	_, err = s.GetQuota(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProvisionQuota(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})

	rec, err := s.ProvisionQuota(ctx, "u1", plan.TierTrial)
	require.NoError(t, err)
	require.Equal(t, plan.TierTrial, rec.Tier)
	require.EqualValues(t, 5, rec.TotalAllowed)
	require.NotNil(t, rec.TrialExpiresAt)
	require.EqualValues(t, 5, rec.TrialDaysRemaining(clock.Now()))

	res, err := s.CanStartSimulation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.CanStart)
	require.True(t, res.IsTrial)
	require.EqualValues(t, 5, res.DaysRemaining)

	rec, err = s.ProvisionQuota(ctx, "u1", plan.TierUnlimited)
	require.NoError(t, err)
	require.True(t, rec.Unlimited())
	require.Nil(t, rec.TrialExpiresAt)
	require.Equal(t, plan.Unlimited, rec.Remaining())

	_, err = s.ProvisionQuota(ctx, "u1", plan.Tier("gold"))
	require.Error(t, err)
}

func TestTrialExpires(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})

	_, err := s.ProvisionQuota(ctx, "u1", plan.TierTrial)
	require.NoError(t, err)

	clock.Advance(5 * 24 * time.Hour)
	res, err := s.CanStartSimulation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, res.CanStart)
	require.True(t, res.TrialExpired)
	require.Equal(t, plan.ReasonTrialExpired, res.Reason)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	require.False(t, start.Success)
	require.Equal(t, plan.ReasonTrialExpired, start.Reason)
}

func TestStart_RejectsInvalidKind(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s := newStore(t, quartz.NewMock(t), store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	res, err := s.StartSimulationSession(ctx, "u1", store.SessionKind("essay"), "")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, plan.ReasonInvalidKind, res.Reason)
}

func TestMarkCounted_ExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindOral, "tok-1")
	require.NoError(t, err)
	require.True(t, start.Success)
	require.Equal(t, "tok-1", start.SessionToken)

	clock.Advance(store.DefaultCountThreshold)

	// MarkCounted twice and EndSession, all at once.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counted int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.MarkSimulationCounted(ctx, "tok-1", "u1")
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, res.Success)
			if res.CountedNow() {
				mu.Lock()
				counted++
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := s.EndSimulationSession(ctx, "tok-1", "u1")
		if !assert.NoError(t, err) {
			return
		}
		assert.True(t, res.Success)
		assert.True(t, res.CountedTowardUsage)
		if res.CountedNow {
			mu.Lock()
			counted++
			mu.Unlock()
		}
	}()
	wg.Wait()

	require.Equal(t, 1, counted, "exactly one call performs the increment")
	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UsedCount)

	res, err := s.MarkSimulationCounted(ctx, "tok-1", "u1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.AlreadyCounted)
	rec, err = s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UsedCount)
}

func TestMarkCounted_BelowThreshold(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	require.True(t, start.Success)
	require.NotEmpty(t, start.SessionToken)

	clock.Advance(4*time.Minute + 59*time.Second)
	res, err := s.MarkSimulationCounted(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, plan.ReasonThresholdNotMet, res.Error)
	require.EqualValues(t, 299, res.ElapsedSeconds)

	end, err := s.EndSimulationSession(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, end.Success)
	require.False(t, end.CountedTowardUsage)
	require.EqualValues(t, 299, end.DurationSeconds)

	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, rec.UsedCount)

	// Marking after the end must not count either.
	clock.Advance(time.Hour)
	res, err = s.MarkSimulationCounted(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, plan.ReasonSessionNotActive, res.Error)
}

func TestEnd_FallbackCount(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindPractice, "")
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	end, err := s.EndSimulationSession(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, end.Success)
	require.True(t, end.CountedNow)
	require.True(t, end.CountedTowardUsage)
	require.Equal(t, store.StatusEnded, end.Status)
	require.EqualValues(t, 360, end.DurationSeconds)

	again, err := s.EndSimulationSession(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, again.Success)
	require.True(t, again.AlreadyEnded)
	require.False(t, again.CountedNow)
	require.EqualValues(t, 360, again.DurationSeconds)

	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UsedCount)
}

func TestAbort_NeverCounts(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	res, err := s.AbortSimulationSession(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, store.StatusAborted, res.Status)
	require.False(t, res.CountedTowardUsage)

	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, rec.UsedCount)

	active, err := s.GetActiveSimulation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, active.HasActiveSimulation)
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s := newStore(t, quartz.NewMock(t), store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)
	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)

	mark, err := s.MarkSimulationCounted(ctx, "missing", "u1")
	require.NoError(t, err)
	require.Equal(t, plan.ReasonNotFound, mark.Error)

	// Another user's token is not visible.
	end, err := s.EndSimulationSession(ctx, start.SessionToken, "u2")
	require.NoError(t, err)
	require.False(t, end.Success)
	require.Equal(t, plan.ReasonNotFound, end.Error)
}

func TestSingleActiveSession(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierPremium)
	require.NoError(t, err)

	const attempts = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []string
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
			if !assert.NoError(t, err) {
				return
			}
			if res.Success {
				mu.Lock()
				tokens = append(tokens, res.SessionToken)
				mu.Unlock()
				return
			}
			assert.Equal(t, plan.ReasonActiveSession, res.Reason)
		}()
	}
	wg.Wait()
	require.Len(t, tokens, 1)

	check, err := s.CanStartSimulation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, check.CanStart)
	require.Equal(t, plan.ReasonActiveSession, check.Reason)

	active, err := s.GetActiveSimulation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, active.HasActiveSimulation)
	require.Equal(t, tokens[0], active.Token)
	require.Equal(t, store.StatusStarted, active.Status)

	clock.Advance(2 * time.Minute)
	active, err = s.GetActiveSimulation(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 120, active.ElapsedSeconds)
	require.EqualValues(t, 180, active.TimeRemainingSeconds)

	// Once the session ends a new one may start.
	_, err = s.EndSimulationSession(ctx, tokens[0], "u1")
	require.NoError(t, err)
	res, err := s.StartSimulationSession(ctx, "u1", store.KindOral, "")
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestLastSessionOfPeriod(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)

	plans, err := plan.DefaultTable.With(map[plan.Tier]int64{plan.TierBasic: 20})
	require.NoError(t, err)
	s := newStore(t, clock, store.Options{Plans: plans})

	_, err = s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)
	ok, err := s.SetUsedCount(ctx, "u1", 0, 19)
	require.NoError(t, err)
	require.True(t, ok)

	check, err := s.CanStartSimulation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, check.CanStart)
	require.EqualValues(t, 1, check.SimulationsRemaining)
	require.EqualValues(t, 20, check.TotalSimulations)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	require.True(t, start.Success)

	clock.Advance(5 * time.Minute)
	mark, err := s.MarkSimulationCounted(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, mark.CountedNow())

	clock.Advance(15 * time.Minute)
	end, err := s.EndSimulationSession(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, end.CountedTowardUsage)
	require.False(t, end.CountedNow)

	check, err = s.CanStartSimulation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, check.CanStart)
	require.Equal(t, plan.ReasonQuotaExceeded, check.Reason)
	require.EqualValues(t, 20, check.SimulationsUsed)
	require.Zero(t, check.SimulationsRemaining)

	refused, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	require.False(t, refused.Success)
	require.Equal(t, plan.ReasonQuotaExceeded, refused.Reason)
}

func TestSetUsedCount_CompareAndSet(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	s := newStore(t, quartz.NewMock(t), store.Options{})
	_, err := s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)

	ok, err := s.SetUsedCount(ctx, "u1", 3, 4)
	require.NoError(t, err)
	require.False(t, ok, "expected value does not match")

	ok, err = s.SetUsedCount(ctx, "u1", 0, 1)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SetUsedCount(ctx, "u1", 1, 0)
	require.Error(t, err, "used_count never decreases")

	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.UsedCount)
}

func TestExpireStaleSessions(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})
	for _, u := range []string{"u1", "u2"} {
		_, err := s.ProvisionQuota(ctx, u, plan.TierBasic)
		require.NoError(t, err)
	}

	old, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	fresh, err := s.StartSimulationSession(ctx, "u2", store.KindExam, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	n, err := s.ExpireStaleSessions(ctx, clock.Now().Add(-4*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	end, err := s.EndSimulationSession(ctx, old.SessionToken, "u1")
	require.NoError(t, err)
	require.True(t, end.AlreadyEnded)
	require.Equal(t, store.StatusExpired, end.Status)
	require.False(t, end.CountedTowardUsage)

	active, err := s.GetActiveSimulation(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, fresh.SessionToken, active.Token)

	rec, err := s.GetQuota(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, rec.UsedCount)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	s := newStore(t, clock, store.Options{})

	changes := make(chan store.Change, 16)
	cancel, err := s.Subscribe("u1", func(_ context.Context, c store.Change) {
		changes <- c
	})
	require.NoError(t, err)
	defer cancel()

	_, err = s.ProvisionQuota(ctx, "u1", plan.TierBasic)
	require.NoError(t, err)
	c := testutil.RequireReceive(ctx, t, changes)
	require.Equal(t, store.TableQuotas, c.Table)
	require.Equal(t, "u1", c.UserID)

	// Other users' writes are not delivered.
	_, err = s.ProvisionQuota(ctx, "u2", plan.TierBasic)
	require.NoError(t, err)

	start, err := s.StartSimulationSession(ctx, "u1", store.KindExam, "")
	require.NoError(t, err)
	c = testutil.RequireReceive(ctx, t, changes)
	require.Equal(t, store.TableSessions, c.Table)
	require.Equal(t, start.SessionToken, c.Token)

	clock.Advance(5 * time.Minute)
	_, err = s.MarkSimulationCounted(ctx, start.SessionToken, "u1")
	require.NoError(t, err)
	tables := map[store.Table]bool{}
	for i := 0; i < 2; i++ {
		tables[testutil.RequireReceive(ctx, t, changes).Table] = true
	}
	require.True(t, tables[store.TableSessions])
	require.True(t, tables[store.TableQuotas])
}
