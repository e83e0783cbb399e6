package cli

import (
	"fmt"

	"github.com/asad/crmstate/internal/api"
	"github.com/asad/crmstate/internal/auth"
	"github.com/asad/crmstate/internal/config"
	"github.com/asad/crmstate/internal/core"
	"github.com/asad/crmstate/internal/logging"
	"github.com/asad/crmstate/internal/state"
	"github.com/asad/crmstate/internal/store"
)

// application is the composition root: one store per process, built here and
// handed to the commands that need it.
type application struct {
	cfg       *config.Config
	logger    logging.Logger
	api       *api.API
	transport api.Transport
	registry  *core.Registry
	store     *store.Store
	persister *state.Persister
}

// regionDecoders knows how to restore each region that may be persisted.
func regionDecoders() map[string]state.Decoder {
	return map[string]state.Decoder{
		auth.RegionName: state.DecodeAs[auth.State](),
		api.ReducerPath: state.DecodeAs[api.State](),
	}
}

func newApplication(cfg *config.Config, logger logging.Logger, transport api.Transport) (*application, error) {
	apiModule := api.New(transport,
		api.WithTokenSource(auth.AccessToken),
		api.WithLogger(logger.With(logging.String("module", api.ReducerPath))),
		api.WithKeepUnusedDataFor(cfg.KeepUnusedDataFor),
		api.WithTimeout(cfg.RequestTimeout),
	)

	registry, err := core.NewRegistry(apiModule, auth.NewModule())
	if err != nil {
		return nil, err
	}

	decoders := regionDecoders()
	restore := make(map[string]state.Decoder)
	for _, region := range cfg.PersistRegions {
		decode, ok := decoders[region]
		if !ok {
			return nil, fmt.Errorf("region %q cannot be persisted", region)
		}
		restore[region] = decode
	}
	preloaded, err := state.Load(cfg.StateDir(), restore)
	if err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}

	st, err := registry.NewStore(
		store.WithLogger(logger.With(logging.String("module", "store"))),
		store.WithPreloadedState(preloaded),
	)
	if err != nil {
		return nil, err
	}

	persister, err := state.NewPersister(cfg.StateDir(), cfg.PersistRegions, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("store composed",
		logging.Strings("regions", registry.Regions().Names()),
		logging.Int("restored", len(preloaded)),
	)

	return &application{
		cfg:       cfg,
		logger:    logger,
		api:       apiModule,
		transport: transport,
		registry:  registry,
		store:     st,
		persister: persister,
	}, nil
}

// snapshot is the state as shown to users, with secrets redacted.
func (a *application) snapshot() store.State {
	return a.registry.Redact(a.store.GetState())
}

// newTransport builds the backend transport. When the session is persisted,
// the refresh cookie is persisted with it so a later run can refresh.
func newTransport(cfg *config.Config) (*api.HTTPTransport, error) {
	var opts []api.TransportOption
	if cfg.IsPersisted(auth.RegionName) {
		opts = append(opts, api.WithCookieStore(state.NewCookieFile(cfg.CookieFile())))
	}
	return api.NewHTTPTransport(cfg.APIBaseURL, opts...)
}
