package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tracker/internal/amqp"
	applog "tracker/internal/log"
	"tracker/internal/services"
	"tracker/internal/session"
	"tracker/internal/storage"
	"tracker/internal/store"
	"tracker/internal/store/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *applog.Logger
	// dial opens the relay client; replaced in tests.
	dial func(url, exchange string, logger *applog.Logger) (*amqp.Client, error)
}

// NewFactory creates a new backend factory
func NewFactory(logger *applog.Logger) Factory {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &DefaultFactory{
		logger: logger.WithComponent(applog.ComponentBackend),
		dial:   amqp.NewClient,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	origin := uuid.NewString()
	relay, notifier := f.openRelay(config, origin)

	var (
		result *BackendResult
		err    error
	)
	switch config.Type {
	case SQLiteBackend:
		result, err = f.createSQLiteBackend(config, notifier)
	case MemoryBackend:
		result, err = f.createMemoryBackend(notifier)
	default:
		err = fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		if relay != nil {
			relay.Close()
		}
		return nil, err
	}

	result.Relay = relay
	result.Origin = origin
	if relay != nil {
		storeCleanup := result.Cleanup
		result.Cleanup = func() error {
			var errs []error
			if storeCleanup != nil {
				if err := storeCleanup(); err != nil {
					errs = append(errs, fmt.Errorf("store: %w", err))
				}
			}
			if err := relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("amqp: %w", err))
			}
			return errors.Join(errs...)
		}
	}

	f.logger.InfoContext(ctx, "Initialized backend",
		"type", config.Type.String(),
		"relay_enabled", relay != nil)
	return result, nil
}

// openRelay connects to the broker when configured. A broker that cannot
// be reached leaves the instance running without cross-instance pushes.
func (f *DefaultFactory) openRelay(config Config, origin string) (*amqp.Client, store.Notifier) {
	if config.AMQPURL == "" {
		return nil, nil
	}
	client, err := f.dial(config.AMQPURL, config.AMQPExchange, f.logger)
	if err != nil {
		f.logger.Warn("Failed to initialize AMQP client, continuing without relay", applog.FieldError, err)
		return nil, nil
	}
	f.logger.Info("Initialized AMQP client",
		applog.FieldExchange, config.AMQPExchange,
		applog.FieldOrigin, origin)
	return client, services.NewChangeNotifier(client, origin, f.logger)
}

func (f *DefaultFactory) createSQLiteBackend(config Config, notifier store.Notifier) (*BackendResult, error) {
	var extra []store.Notifier
	if notifier != nil {
		extra = append(extra, notifier)
	}
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger, extra...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{
		Store:   repo,
		Users:   repo,
		Feed:    repo.Feed(),
		Ready:   repo.Ping,
		Cleanup: repo.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryBackend(notifier store.Notifier) (*BackendResult, error) {
	var extra []store.Notifier
	if notifier != nil {
		extra = append(extra, notifier)
	}
	st := memory.New(extra...)

	f.logger.Info("Initialized memory backend")

	return &BackendResult{
		Store:   st,
		Users:   session.NewMemoryUsers(),
		Feed:    st.Feed(),
		Ready:   func(context.Context) error { return nil },
		Cleanup: st.Close,
	}, nil
}

// RelayHandler returns the consumer that routes remote changes into the
// local feed, or nil when the relay is off.
func (r *BackendResult) RelayHandler(logger *applog.Logger) func(context.Context, *amqp.ChangeMessage) error {
	if r.Relay == nil {
		return nil
	}
	return services.NewRelayHandler(r.Feed, r.Origin, logger).Handle
}
