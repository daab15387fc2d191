package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/medlearn/simquota/internal/hub"
	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/reconcile"
	"github.com/medlearn/simquota/internal/server"
	"github.com/medlearn/simquota/internal/store"
	"github.com/medlearn/simquota/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func serve(t *testing.T) options {
	t.Helper()
	logger := testutil.Logger(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "simquota.db"), store.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h := hub.New(s, hub.Options{Logger: logger, CleanupInterval: -1})
	t.Cleanup(h.Close)
	srv := server.New(s, h, server.Config{AdminKey: "admin"}, server.Options{Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return options{url: ts.URL, userID: "u1", adminKey: "admin"}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	opts := serve(t)
	logger := testutil.Logger(t)

	exec := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := run(ctx, &out, logger, opts, args)
		return out.String(), err
	}

	out, err := exec("status")
	require.NoError(t, err)
	require.Contains(t, out, "No plan")
	require.Contains(t, out, string(plan.ReasonNoPlan))

	out, err = exec("provision", "u1", "free")
	require.NoError(t, err)
	require.Contains(t, out, "u1 is on free")

	out, err = exec("status")
	require.NoError(t, err)
	require.Contains(t, out, "Free: 0 of 3 simulations used")
	require.Contains(t, out, "may start a session")

	out, err = exec("start", "oral")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	_, err = exec("start", "exam")
	var denied *reconcile.DeniedError
	require.True(t, xerrors.As(err, &denied))
	require.Equal(t, plan.ReasonActiveSession, denied.Reason)

	out, err = exec("mark", token)
	require.NoError(t, err)
	require.Contains(t, out, "not counted: "+string(plan.ReasonThresholdNotMet))

	out, err = exec("abort", token)
	require.NoError(t, err)
	require.Contains(t, out, "aborted after")
	require.Contains(t, out, "counted: false")

	_, err = exec("end")
	require.Error(t, err)
	_, err = exec("dance")
	require.Error(t, err)
	_, err = exec("provision", "u1", "platinum")
	require.Error(t, err)
}

func TestUserRequired(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	opts := serve(t)
	opts.userID = ""
	var out bytes.Buffer
	require.Error(t, run(ctx, &out, testutil.Logger(t), opts, []string{"status"}))
}
