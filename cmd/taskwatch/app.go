package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/phrazzld/taskwatch/internal/api"
	"github.com/phrazzld/taskwatch/internal/cachebridge"
	"github.com/phrazzld/taskwatch/internal/config"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/notify"
	"github.com/phrazzld/taskwatch/internal/platform/natsbus"
	"github.com/phrazzld/taskwatch/internal/platform/sqldb"
	"github.com/phrazzld/taskwatch/internal/remote"
	"github.com/phrazzld/taskwatch/internal/session"
	"github.com/phrazzld/taskwatch/internal/tracker"
)

// defaultScope keys persisted tasks when the session token has no subject.
const defaultScope = "default"

// application holds the daemon's long-lived components.
type application struct {
	config        config.Config
	logger        *slog.Logger
	session       *session.Session
	tracker       *tracker.Tracker
	notifications *notify.Broadcaster
	db            *sql.DB
	nats          *nats.Conn
	origin        string
}

func newApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{
		config:        cfg,
		logger:        logger,
		notifications: notify.NewBroadcaster(logger),
		origin:        uuid.NewString(),
	}
	defer func() {
		if err != nil {
			app.cleanup()
		}
	}()

	app.session, err = session.New(cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	client, err := remote.NewClient(cfg.Remote, app.session, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create job server client: %w", err)
	}

	deps := tracker.Deps{
		Initiator: client,
		Checker:   client,
		Lister:    client,
		Fetcher:   client,
		Session:   app.session,
	}

	if cfg.Database.Enabled {
		app.db, err = sqldb.Open(ctx, cfg.Database.Config, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Database.MigrateOnStart {
			if err := sqldb.Migrate(ctx, app.db, cfg.Database.Driver, logger); err != nil {
				return nil, err
			}
		}
		scope := app.session.Subject()
		if scope == "" {
			scope = defaultScope
		}
		deps.Persister = sqldb.NewSnapshotStore(app.db, cfg.Database.Driver, scope, logger)
	}

	if cfg.Events.WebhookURL != "" {
		deps.Invalidator = cachebridge.NewWebhookInvalidator(cfg.Events.WebhookURL, &http.Client{Timeout: cfg.Remote.Timeout})
	} else {
		deps.Invalidator = cachebridge.NewLogInvalidator(logger)
	}

	notifiers := notify.Multi{app.notifications, notify.NewLogNotifier(logger)}
	if cfg.NATS.Enabled {
		app.nats, err = natsbus.Connect(cfg.NATS.Config, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, natsbus.NewPublisher(app.nats, cfg.NATS.SubjectPrefix, app.origin, logger))
	}
	deps.Notifier = notifiers

	app.tracker, err = tracker.New(deps, tracker.Config{
		Store:           cfg.Store,
		Poller:          cfg.Poller,
		Reconciler:      cfg.Reconciler,
		ResultCacheSize: cfg.Events.ResultCacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}

	return app, nil
}

// router builds the daemon API handler.
func (app *application) router() http.Handler {
	return api.NewRouter(api.RouterDeps{
		Tasks:         app.tracker,
		Snapshots:     app.tracker.Store(),
		Notifications: app.notifications,
		Progress:      app.tracker.Progress(),
		Session:       app.session,
	}, app.logger)
}

// listenForPeers reconciles whenever another daemon reports a completion, so
// jobs finished elsewhere are resolved without waiting for the next cycle.
func (app *application) listenForPeers(ctx context.Context) (func() error, error) {
	return natsbus.Listen(app.nats, app.config.NATS.SubjectPrefix, app.origin, app.logger,
		func(n notify.Notification) {
			if n.Outcome == events.OutcomeTimedOut {
				// A peer gave up waiting; the job itself has not finished
				return
			}
			if _, ok := app.tracker.Get(n.TaskID); !ok {
				return
			}
			app.logger.Debug("peer reported completion", "task_id", n.TaskID)
			if _, err := app.tracker.Reconcile(ctx); err != nil {
				app.logger.Warn("peer-triggered reconciliation failed", "error", err)
			}
		})
}

// cleanup releases external connections. It is safe to call on a partially
// initialized application.
func (app *application) cleanup() {
	if app.nats != nil {
		if err := app.nats.Drain(); err != nil {
			app.logger.Warn("failed to drain nats connection", "error", err)
		}
		app.nats = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
		app.db = nil
	}
}
