// Command simquota is a terminal client for simquotad: it shows a user's
// quota, runs sessions and follows changes live.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/quota"
	"github.com/medlearn/simquota/internal/reconcile"
	"github.com/medlearn/simquota/internal/rpcclient"
	"github.com/medlearn/simquota/internal/session"
	"github.com/medlearn/simquota/internal/store"
)

const usage = `usage: simquota [flags] <command>

commands:
  status                 show plan, usage and whether a session may start
  start [exam|oral|practice]
                         start a session and print its token
  mark <token>           count a session that passed the threshold
  end <token>            end a session
  abort <token>          abort a session, it never counts
  watch                  print every status change until interrupted
  provision <user> <tier>
                         set a user's plan (needs --admin-key)

flags:
`

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

type options struct {
	url      string
	userID   string
	apiKey   string
	adminKey string
	verbose  bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("simquota", pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", envOr("SIMQUOTA_URL", "http://localhost:8443"), "simquotad URL ($SIMQUOTA_URL)")
	flags.StringVarP(&opts.userID, "user", "u", envOr("SIMQUOTA_USER", ""), "User ID ($SIMQUOTA_USER)")
	flags.StringVar(&opts.apiKey, "api-key", envOr("SIMQUOTA_API_KEY", ""), "Shared API key ($SIMQUOTA_API_KEY)")
	flags.StringVar(&opts.adminKey, "admin-key", envOr("SIMQUOTA_ADMIN_KEY", ""), "Admin key ($SIMQUOTA_ADMIN_KEY)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelWarn)
	if opts.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Stdout, logger, opts, flags.Args()); err != nil {
		var denied *reconcile.DeniedError
		if xerrors.As(err, &denied) {
			fmt.Fprintf(os.Stderr, "cannot start: %s\n", denied.Reason)
			os.Exit(3)
		}
		fmt.Fprintln(os.Stderr, "simquota:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, logger slog.Logger, opts options, args []string) error {
	client, err := rpcclient.New(opts.url, rpcclient.Options{
		Logger:   logger,
		APIKey:   opts.apiKey,
		AdminKey: opts.adminKey,
	})
	if err != nil {
		return err
	}

	if args[0] == "provision" {
		if len(args) != 3 {
			return xerrors.New("provision needs <user> <tier>")
		}
		tier, err := plan.ParseTier(args[2])
		if err != nil {
			return err
		}
		rec, err := client.ProvisionQuota(ctx, args[1], tier)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is on %s until %s\n", rec.UserID, rec.Tier, rec.PeriodEnd.Format(time.DateOnly))
		return nil
	}

	if opts.userID == "" {
		return xerrors.New("--user is required")
	}
	l, closeAll, err := open(ctx, client, logger, opts.userID)
	if err != nil {
		return err
	}
	defer closeAll()

	switch args[0] {
	case "status":
		printStatus(out, l)
	case "start":
		kind := store.KindPractice
		if len(args) > 1 {
			kind = store.SessionKind(args[1])
		}
		token, err := l.StartSession(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
	case "mark":
		token, err := tokenArg(args)
		if err != nil {
			return err
		}
		res, err := l.MarkCounted(ctx, token)
		if err != nil {
			return err
		}
		switch {
		case res.AlreadyCounted:
			fmt.Fprintln(out, "already counted")
		case res.Success:
			fmt.Fprintf(out, "counted after %ds\n", res.ElapsedSeconds)
		default:
			fmt.Fprintf(out, "not counted: %s\n", res.Error)
		}
	case "end", "abort":
		token, err := tokenArg(args)
		if err != nil {
			return err
		}
		finish := l.EndSession
		if args[0] == "abort" {
			finish = l.AbortSession
		}
		res, err := finish(ctx, token)
		if err != nil {
			return err
		}
		if !res.Success {
			return xerrors.Errorf("%s: %s", args[0], res.Error)
		}
		fmt.Fprintf(out, "%s after %ds, counted: %t\n", res.Status, res.DurationSeconds, res.CountedTowardUsage)
	case "watch":
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-l.Updates():
				printStatus(out, l)
			}
		}
	default:
		return xerrors.Errorf("unknown command %q", args[0])
	}
	return nil
}

func tokenArg(args []string) (string, error) {
	if len(args) != 2 {
		return "", xerrors.Errorf("%s needs <token>", args[0])
	}
	return args[1], nil
}

// open builds the client-side stack for one user on top of the remote store.
func open(ctx context.Context, client *rpcclient.Client, logger slog.Logger, userID string) (*reconcile.Layer, func(), error) {
	clock := quartz.NewReal()
	engine := quota.NewEngine(client, quota.EngineOptions{Logger: logger, Clock: clock})
	sessions := session.NewManager(client, session.Options{Logger: logger, Clock: clock, SweepInterval: -1})
	l, err := reconcile.New(ctx, reconcile.Deps{
		UserID:   userID,
		Store:    client,
		Engine:   engine,
		Sessions: sessions,
		Repairer: quota.NewRepairer(client, quota.RepairOptions{Logger: logger, Clock: clock}),
	}, reconcile.Options{Logger: logger, Clock: clock})
	if err != nil {
		engine.Close()
		sessions.Close()
		return nil, nil, err
	}
	return l, func() {
		l.Close()
		sessions.Close()
		engine.Close()
	}, nil
}

func printStatus(out io.Writer, l *reconcile.Layer) {
	st := l.Status()
	info := l.GetDisplayInfo()
	fmt.Fprintf(out, "%s: %s\n", info.PlanName, info.UsageText)
	if st.Allowed {
		fmt.Fprintln(out, "may start a session")
		return
	}
	fmt.Fprintf(out, "may not start a session: %s\n", st.Reason)
	if info.CanUpgrade && st.Reason.Upgradeable() {
		fmt.Fprintln(out, "upgrade your plan for more sessions")
	}
}
