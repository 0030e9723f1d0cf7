package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/psconsult/offline/cmd/desktop/handlers"
	"github.com/psconsult/offline/internal/config"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
	"github.com/psconsult/offline/internal/models"
	"github.com/psconsult/offline/internal/offline"
)

const shutdownTimeout = 10 * time.Second

func configOf(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

// openApp wires the full offline layer, response cache included.
func openApp(c *cli.Context) (*offline.App, error) {
	return offline.New(context.Background(), configOf(c), offline.Options{})
}

// openStore wires the store side only, so the command can run next to serve.
// A running serve picks up stored changes on its next pass.
func openStore(c *cli.Context) (*offline.App, error) {
	return offline.OpenStore(context.Background(), configOf(c), offline.Options{})
}

func printJSON(handle io.Writer, message interface{}) error {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(handle, "%s\n", b)
	return nil
}

// newMux routes the REST endpoints, the event stream and the caching proxy.
func newMux(a *offline.App, hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewSyncHandler(a.Store, a.Reconciler, a.Scheduler, a.Config.Sync.WakeRateLimit.Std()).Register(mux)
	mux.Handle("/offline/", http.NotFoundHandler())
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	mux.Handle("/", a.Interceptor.Handler())
	return mux
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.For("serve")
	hub := NewWSHub()
	defer hub.Close()

	a, err := offline.New(ctx, configOf(c), offline.Options{Notifier: hub, EventHandler: hub})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Prepare(ctx)

	server := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           newMux(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", map[string]interface{}{"addr": server.Addr, "origin": a.Config.Origin})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case err = <-serveErr:
		stop()
		<-runErr
	case err = <-runErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("Shutdown incomplete", map[string]interface{}{"error": serr.Error()})
	}
	return err
}

func runSync(c *cli.Context) error {
	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Sync.PassTimeout.Std())
	defer cancel()

	result, err := a.SyncOnce(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, result)
}

func runEnqueue(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return apperrors.New(apperrors.ErrInvalid, "a payload file is required")
	}

	var (
		payload []byte
		err     error
	)
	if name == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(name)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "cannot read payload", err)
	}

	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ref, err := a.Reconciler.Enqueue(context.Background(), json.RawMessage(payload))
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, ref)
}

func runPending(c *cli.Context) error {
	status := models.SubmissionStatus(c.String("status"))
	if !status.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", status)
	}

	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.Store.ListByStatus(context.Background(), status)
	if err != nil {
		return err
	}
	if subs == nil {
		subs = []*models.PendingSubmission{}
	}
	return printJSON(c.App.Writer, subs)
}

func runRequeue(c *cli.Context) error {
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid local id %q", c.Args().First())
	}

	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Reconciler.Requeue(context.Background(), id); err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]interface{}{"requeued": id})
}

func runSweep(c *cli.Context) error {
	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	days := c.Int("days")
	if days <= 0 {
		days = a.Config.Sync.RetentionDays
	}
	n, err := a.Store.SweepRetention(context.Background(), days)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]interface{}{"swept": n, "days": days})
}

func runRefresh(c *cli.Context) error {
	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.Refresher.RefreshAll(context.Background())
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, counts)
}

func runPrecache(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	deleted, err := a.Precache(context.Background())
	if err != nil {
		return err
	}
	if deleted == nil {
		deleted = []string{}
	}
	return printJSON(c.App.Writer, map[string]interface{}{
		"build_version": a.Config.BuildVersion,
		"deleted":       deleted,
	})
}

func runStats(c *cli.Context) error {
	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Store.Stats(context.Background())
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, stats)
}

func runLog(c *cli.Context) error {
	a, err := openStore(c)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Store.ListSyncLog(context.Background(), c.Int("limit"))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*models.SyncLogEntry{}
	}
	return printJSON(c.App.Writer, entries)
}
