package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/pubsub"
)

type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	// Pubsub receives a Change after every committed write. A private
	// in-memory instance is used when nil.
	Pubsub pubsub.Pubsub
	// CountThreshold defaults to DefaultCountThreshold.
	CountThreshold time.Duration
	// Plans defaults to plan.DefaultTable.
	Plans plan.Table
}

// SQLStore is the store of record. Every procedure runs in a single
// transaction on a single connection, so procedures are serialized.
type SQLStore struct {
	db        *sqlx.DB
	logger    slog.Logger
	clock     quartz.Clock
	ps        pubsub.Pubsub
	ownPubsub bool
	threshold time.Duration
	plans     plan.Table
}

var _ Store = (*SQLStore)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts Options) (*SQLStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open %q: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps the
	// check-then-insert of StartSimulationSession race free in process.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("migrate: %w", err)
	}
	return New(db, opts), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, opts Options) *SQLStore {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.CountThreshold <= 0 {
		opts.CountThreshold = DefaultCountThreshold
	}
	if opts.Plans == nil {
		opts.Plans = plan.DefaultTable
	}
	s := &SQLStore{
		db:        sqlx.NewDb(db, "sqlite"),
		logger:    opts.Logger.Named("store"),
		clock:     opts.Clock,
		ps:        opts.Pubsub,
		threshold: opts.CountThreshold,
		plans:     opts.Plans,
	}
	if s.ps == nil {
		s.ps = pubsub.NewInMemory()
		s.ownPubsub = true
	}
	return s
}

func (s *SQLStore) Close() error {
	if s.ownPubsub {
		_ = s.ps.Close()
	}
	return s.db.Close()
}

// CountThreshold is the elapsed time after which a session counts.
func (s *SQLStore) CountThreshold() time.Duration {
	return s.threshold
}

type quotaRow struct {
	UserID         string        `db:"user_id"`
	Tier           string        `db:"tier"`
	PeriodStart    int64         `db:"period_start"`
	PeriodEnd      int64         `db:"period_end"`
	TotalAllowed   int64         `db:"total_allowed"`
	UsedCount      int64         `db:"used_count"`
	TrialExpiresAt sql.NullInt64 `db:"trial_expires_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func (r quotaRow) record() QuotaRecord {
	return QuotaRecord{
		UserID:         r.UserID,
		Tier:           plan.Tier(r.Tier),
		PeriodStart:    fromMillis(r.PeriodStart),
		PeriodEnd:      fromMillis(r.PeriodEnd),
		TotalAllowed:   r.TotalAllowed,
		UsedCount:      r.UsedCount,
		TrialExpiresAt: nullTime(r.TrialExpiresAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

type sessionRow struct {
	Token              string        `db:"token"`
	UserID             string        `db:"user_id"`
	Kind               string        `db:"kind"`
	Status             string        `db:"status"`
	StartedAt          int64         `db:"started_at"`
	EndedAt            sql.NullInt64 `db:"ended_at"`
	DurationSeconds    sql.NullInt64 `db:"duration_seconds"`
	CountedTowardUsage bool          `db:"counted_toward_usage"`
	CountedAt          sql.NullInt64 `db:"counted_at"`
}

func (r sessionRow) session() Session {
	sess := Session{
		Token:              r.Token,
		UserID:             r.UserID,
		Kind:               SessionKind(r.Kind),
		Status:             SessionStatus(r.Status),
		StartedAt:          fromMillis(r.StartedAt),
		EndedAt:            nullTime(r.EndedAt),
		CountedTowardUsage: r.CountedTowardUsage,
		CountedAt:          nullTime(r.CountedAt),
	}
	if r.DurationSeconds.Valid {
		d := r.DurationSeconds.Int64
		sess.DurationSeconds = &d
	}
	return sess
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func elapsedSeconds(from, to time.Time) int64 {
	return max(int64(to.Sub(from)/time.Second), 0)
}

// inTx runs fn in a transaction and publishes the changes it collected once
// the transaction has committed.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx, changes *[]Change) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var changes []Change
	if err := fn(tx, &changes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit: %w", err)
	}
	s.publish(ctx, changes)
	return nil
}

func (s *SQLStore) publish(ctx context.Context, changes []Change) {
	for _, c := range changes {
		msg, err := json.Marshal(c)
		if err != nil {
			s.logger.Error(ctx, "marshal change", slog.Error(err))
			continue
		}
		if err := s.ps.Publish(pubsub.UserChannel(c.UserID), msg); err != nil {
			// The write is committed; subscribers recover on their next read.
			s.logger.Warn(ctx, "publish change",
				slog.F("user_id", c.UserID),
				slog.F("table", c.Table),
				slog.Error(err),
			)
		}
	}
}

func (s *SQLStore) change(table Table, op, userID, token string, at time.Time) Change {
	return Change{Table: table, Op: op, UserID: userID, Token: token, At: at}
}

func getQuota(ctx context.Context, q sqlx.QueryerContext, userID string) (QuotaRecord, error) {
	var row quotaRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM quotas WHERE user_id = ?`, userID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return QuotaRecord{}, ErrNotFound
	}
	if err != nil {
		return QuotaRecord{}, xerrors.Errorf("get quota: %w", err)
	}
	return row.record(), nil
}

func getSession(ctx context.Context, q sqlx.QueryerContext, token, userID string) (Session, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT * FROM sessions WHERE token = ? AND user_id = ?`, token, userID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, xerrors.Errorf("get session: %w", err)
	}
	return row.session(), nil
}

func getActive(ctx context.Context, q sqlx.QueryerContext, userID string) (Session, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT * FROM sessions WHERE user_id = ? AND status IN ('started', 'counted')
		ORDER BY started_at DESC LIMIT 1`, userID)
	if xerrors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, xerrors.Errorf("get active session: %w", err)
	}
	return row.session(), nil
}

func canStartResult(q QuotaRecord, d plan.Decision) CanStartResult {
	return CanStartResult{
		CanStart:             d.Allowed,
		Reason:               d.Reason,
		Tier:                 q.Tier,
		SimulationsUsed:      d.Used,
		SimulationsRemaining: d.Remaining,
		TotalSimulations:     d.Total,
		IsTrial:              d.IsTrial,
		TrialExpiresAt:       q.TrialExpiresAt,
		DaysRemaining:        d.TrialDaysRemaining,
		TrialExpired:         d.TrialExpired,
	}
}

func (s *SQLStore) CanStartSimulation(ctx context.Context, userID string) (CanStartResult, error) {
	if userID == "" {
		return CanStartResult{Reason: plan.ReasonNotAuthenticated}, nil
	}
	now := s.clock.Now("store", "can_start")

	q, err := getQuota(ctx, s.db, userID)
	if xerrors.Is(err, ErrNotFound) {
		return CanStartResult{Reason: plan.ReasonNoPlan}, nil
	}
	if err != nil {
		return CanStartResult{}, err
	}
	res := canStartResult(q, q.Decide(now))
	if !res.CanStart {
		return res, nil
	}

	_, err = getActive(ctx, s.db, userID)
	switch {
	case err == nil:
		res.CanStart = false
		res.Reason = plan.ReasonActiveSession
	case !xerrors.Is(err, ErrNotFound):
		return CanStartResult{}, err
	}
	return res, nil
}

func (s *SQLStore) StartSimulationSession(ctx context.Context, userID string, kind SessionKind, token string) (StartResult, error) {
	if userID == "" {
		return StartResult{Reason: plan.ReasonNotAuthenticated}, nil
	}
	if !kind.Valid() {
		return StartResult{Reason: plan.ReasonInvalidKind}, nil
	}
	if token == "" {
		token = uuid.NewString()
	}

	var res StartResult
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "start")

		q, err := getQuota(ctx, tx, userID)
		if xerrors.Is(err, ErrNotFound) {
			res = StartResult{Reason: plan.ReasonNoPlan}
			return nil
		}
		if err != nil {
			return err
		}
		// The client already asked the decision engine, but its answer may
		// be stale by now.
		if d := q.Decide(now); !d.Allowed {
			res = StartResult{Reason: d.Reason}
			return nil
		}

		_, err = getActive(ctx, tx, userID)
		if err == nil {
			res = StartResult{Reason: plan.ReasonActiveSession}
			return nil
		}
		if !xerrors.Is(err, ErrNotFound) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (token, user_id, kind, status, started_at) VALUES (?, ?, ?, ?, ?)`,
			token, userID, string(kind), string(StatusStarted), millis(now))
		if err != nil {
			err = insertError(err)
			if xerrors.Is(err, ErrActiveSession) {
				res = StartResult{Reason: plan.ReasonActiveSession}
				return nil
			}
			return err
		}
		res = StartResult{Success: true, SessionToken: token, StartedAt: fromMillis(millis(now))}
		*changes = append(*changes, s.change(TableSessions, "insert", userID, token, now))
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}
	if res.Success {
		s.logger.Info(ctx, "session started",
			slog.F("user_id", userID),
			slog.F("token", token),
			slog.F("kind", kind),
		)
	} else {
		s.logger.Debug(ctx, "session start refused", slog.F("user_id", userID), slog.F("reason", res.Reason))
	}
	return res, nil
}

// insertError maps a violation of the one-active-session index to
// ErrActiveSession.
func insertError(err error) error {
	var serr *sqlite.Error
	// Extended codes are enabled, but match the primary code too.
	if xerrors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		if strings.Contains(serr.Error(), "sessions.user_id") {
			return ErrActiveSession
		}
		return xerrors.Errorf("duplicate session token: %w", err)
	}
	return xerrors.Errorf("insert session: %w", err)
}

// countSession flips counted_toward_usage and, only if this call was the one
// to flip it, increments the user's used_count. It reports whether it did.
func (s *SQLStore) countSession(ctx context.Context, tx *sqlx.Tx, sess Session, now time.Time, changes *[]Change) (bool, error) {
	r, err := tx.ExecContext(ctx,
		`UPDATE sessions SET counted_toward_usage = 1, counted_at = ?,
			status = CASE WHEN status = 'started' THEN 'counted' ELSE status END
		WHERE token = ? AND counted_toward_usage = 0`,
		millis(now), sess.Token)
	if err != nil {
		return false, xerrors.Errorf("flag session counted: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	r, err = tx.ExecContext(ctx,
		`UPDATE quotas SET used_count = used_count + 1, updated_at = ? WHERE user_id = ?`,
		millis(now), sess.UserID)
	if err != nil {
		return false, xerrors.Errorf("increment used_count: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		s.logger.Warn(ctx, "counted session has no quota record",
			slog.F("user_id", sess.UserID),
			slog.F("token", sess.Token),
		)
	}
	*changes = append(*changes,
		s.change(TableSessions, "update", sess.UserID, sess.Token, now),
		s.change(TableQuotas, "update", sess.UserID, "", now),
	)
	return true, nil
}

func (s *SQLStore) MarkSimulationCounted(ctx context.Context, token, userID string) (MarkCountedResult, error) {
	if userID == "" {
		return MarkCountedResult{Error: plan.ReasonNotAuthenticated}, nil
	}
	var res MarkCountedResult
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "mark_counted")

		sess, err := getSession(ctx, tx, token, userID)
		if xerrors.Is(err, ErrNotFound) {
			res = MarkCountedResult{Error: plan.ReasonNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		elapsed := elapsedSeconds(sess.StartedAt, now)
		if sess.CountedTowardUsage {
			res = MarkCountedResult{Success: true, AlreadyCounted: true, ElapsedSeconds: elapsed}
			return nil
		}
		if !sess.Status.Active() {
			res = MarkCountedResult{Error: plan.ReasonSessionNotActive, ElapsedSeconds: elapsed}
			return nil
		}
		if now.Sub(sess.StartedAt) < s.threshold {
			res = MarkCountedResult{Error: plan.ReasonThresholdNotMet, ElapsedSeconds: elapsed}
			return nil
		}

		counted, err := s.countSession(ctx, tx, sess, now, changes)
		if err != nil {
			return err
		}
		res = MarkCountedResult{Success: true, AlreadyCounted: !counted, ElapsedSeconds: elapsed}
		return nil
	})
	if err != nil {
		return MarkCountedResult{}, err
	}
	if res.CountedNow() {
		s.logger.Info(ctx, "session counted", slog.F("user_id", userID), slog.F("token", token))
	}
	return res, nil
}

func (s *SQLStore) EndSimulationSession(ctx context.Context, token, userID string) (EndResult, error) {
	return s.finish(ctx, token, userID, StatusEnded)
}

// AbortSimulationSession closes the session without ever counting it. A
// session that already counted keeps its count.
func (s *SQLStore) AbortSimulationSession(ctx context.Context, token, userID string) (EndResult, error) {
	return s.finish(ctx, token, userID, StatusAborted)
}

func (s *SQLStore) finish(ctx context.Context, token, userID string, status SessionStatus) (EndResult, error) {
	if userID == "" {
		return EndResult{Error: plan.ReasonNotAuthenticated}, nil
	}
	var res EndResult
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "finish")

		sess, err := getSession(ctx, tx, token, userID)
		if xerrors.Is(err, ErrNotFound) {
			res = EndResult{Error: plan.ReasonNotFound}
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			res = EndResult{
				Success:            true,
				Status:             sess.Status,
				CountedTowardUsage: sess.CountedTowardUsage,
				AlreadyEnded:       true,
			}
			if sess.DurationSeconds != nil {
				res.DurationSeconds = *sess.DurationSeconds
			}
			return nil
		}

		duration := elapsedSeconds(sess.StartedAt, now)
		counted := sess.CountedTowardUsage
		var countedNow bool
		// Fallback for clients that never called MarkSimulationCounted.
		if status == StatusEnded && !counted && now.Sub(sess.StartedAt) >= s.threshold {
			countedNow, err = s.countSession(ctx, tx, sess, now, changes)
			if err != nil {
				return err
			}
			counted = true
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ?, duration_seconds = ?
			WHERE token = ? AND status IN ('started', 'counted')`,
			string(status), millis(now), duration, token)
		if err != nil {
			return xerrors.Errorf("finish session: %w", err)
		}
		*changes = append(*changes, s.change(TableSessions, "update", userID, token, now))
		res = EndResult{
			Success:            true,
			Status:             status,
			DurationSeconds:    duration,
			CountedTowardUsage: counted,
			CountedNow:         countedNow,
		}
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}
	if res.Success && !res.AlreadyEnded {
		s.logger.Info(ctx, "session finished",
			slog.F("user_id", userID),
			slog.F("token", token),
			slog.F("status", res.Status),
			slog.F("duration_seconds", res.DurationSeconds),
			slog.F("counted", res.CountedTowardUsage),
		)
	}
	return res, nil
}

func (s *SQLStore) GetActiveSimulation(ctx context.Context, userID string) (ActiveSimulation, error) {
	if userID == "" {
		return ActiveSimulation{}, nil
	}
	sess, err := getActive(ctx, s.db, userID)
	if xerrors.Is(err, ErrNotFound) {
		return ActiveSimulation{}, nil
	}
	if err != nil {
		return ActiveSimulation{}, err
	}
	now := s.clock.Now("store", "active")
	started := sess.StartedAt
	res := ActiveSimulation{
		HasActiveSimulation: true,
		Token:               sess.Token,
		Kind:                sess.Kind,
		Status:              sess.Status,
		StartedAt:           &started,
		ElapsedSeconds:      elapsedSeconds(started, now),
	}
	if !sess.CountedTowardUsage {
		res.TimeRemainingSeconds = max(int64((s.threshold-now.Sub(started))/time.Second), 0)
	}
	return res, nil
}

func (s *SQLStore) ExpireStaleSessions(ctx context.Context, startedBefore time.Time) (int64, error) {
	var expired int64
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "expire")

		var stale []sessionRow
		err := sqlx.SelectContext(ctx, tx, &stale,
			`SELECT * FROM sessions WHERE status IN ('started', 'counted') AND started_at < ?`,
			millis(startedBefore))
		if err != nil {
			return xerrors.Errorf("select stale sessions: %w", err)
		}
		for _, row := range stale {
			_, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, ended_at = ?, duration_seconds = ? WHERE token = ?`,
				string(StatusExpired), millis(now), elapsedSeconds(fromMillis(row.StartedAt), now), row.Token)
			if err != nil {
				return xerrors.Errorf("expire session %s: %w", row.Token, err)
			}
			*changes = append(*changes, s.change(TableSessions, "update", row.UserID, row.Token, now))
		}
		expired = int64(len(stale))
		return nil
	})
	return expired, err
}

func (s *SQLStore) GetQuota(ctx context.Context, userID string) (QuotaRecord, error) {
	return getQuota(ctx, s.db, userID)
}

func (s *SQLStore) SetUsedCount(ctx context.Context, userID string, expected, next int64) (bool, error) {
	if next < expected {
		return false, xerrors.Errorf("used_count may not decrease (%d -> %d)", expected, next)
	}
	var applied bool
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "set_used")
		r, err := tx.ExecContext(ctx,
			`UPDATE quotas SET used_count = ?, updated_at = ? WHERE user_id = ? AND used_count = ?`,
			next, millis(now), userID, expected)
		if err != nil {
			return xerrors.Errorf("set used_count: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return xerrors.Errorf("rows affected: %w", err)
		}
		applied = n == 1
		if applied {
			*changes = append(*changes, s.change(TableQuotas, "update", userID, "", now))
		}
		return nil
	})
	return applied, err
}

// ProvisionQuota creates or resets the user's record for a new period of
// tier. It is the entry point for the billing collaborator.
func (s *SQLStore) ProvisionQuota(ctx context.Context, userID string, tier plan.Tier) (QuotaRecord, error) {
	if _, ok := s.plans[tier]; !ok {
		return QuotaRecord{}, xerrors.Errorf("unknown tier %q", tier)
	}
	rule := s.plans.Rule(tier)

	var rec QuotaRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx, changes *[]Change) error {
		now := s.clock.Now("store", "provision")
		end := now.Add(rule.Period)
		var trialExpires sql.NullInt64
		if tier.Trial() {
			trialExpires = sql.NullInt64{Int64: millis(end), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quotas (user_id, tier, period_start, period_end, total_allowed, used_count, trial_expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				tier = excluded.tier,
				period_start = excluded.period_start,
				period_end = excluded.period_end,
				total_allowed = excluded.total_allowed,
				used_count = 0,
				trial_expires_at = excluded.trial_expires_at,
				updated_at = excluded.updated_at`,
			userID, string(tier), millis(now), millis(end), rule.Allowance, trialExpires, millis(now))
		if err != nil {
			return xerrors.Errorf("upsert quota: %w", err)
		}
		rec, err = getQuota(ctx, tx, userID)
		if err != nil {
			return err
		}
		*changes = append(*changes, s.change(TableQuotas, "provision", userID, "", now))
		return nil
	})
	if err != nil {
		return QuotaRecord{}, err
	}
	s.logger.Info(ctx, "quota provisioned",
		slog.F("user_id", userID),
		slog.F("tier", tier),
		slog.F("total_allowed", rec.TotalAllowed),
	)
	return rec, nil
}

func (s *SQLStore) Subscribe(userID string, listener Listener) (func(), error) {
	return s.ps.Subscribe(pubsub.UserChannel(userID), func(ctx context.Context, msg []byte) {
		var c Change
		if err := json.Unmarshal(msg, &c); err != nil {
			s.logger.Warn(ctx, "drop malformed change", slog.F("user_id", userID), slog.Error(err))
			return
		}
		listener(ctx, c)
	})
}
