package app

import (
	"context"
	"log/slog"
	"net/http"

	"vkproxy/config"
	"vkproxy/filters"
	"vkproxy/metrics"
	"vkproxy/pipeline"
	"vkproxy/rewrite"
	"vkproxy/route"
	"vkproxy/store"
	"vkproxy/tracker"
	"vkproxy/transport"
)

// App represents the main application structure. Everything it holds is built once at
// startup and shared by all requests.
type App struct {
	Config    *config.ProxyConfig
	Logger    *slog.Logger
	Resolver  *route.Resolver
	Rules     *rewrite.DomainRules
	Chain     *pipeline.Chain
	Tracker   *tracker.State // nil when analytics is disabled
	Store     store.UserStore
	Transport http.RoundTripper
}

// NewApp wires the resolver, the handler chain and the upstream transport for cfg.
//
// Parameters:
// - cfg: The validated configuration.
// - logger: The logger instance.
// - userStore: Durable backing of the seen users set; nil keeps users in memory only.
//
// Returns:
// - *App: A pointer to the newly created App instance.
func NewApp(cfg *config.ProxyConfig, logger *slog.Logger, userStore store.UserStore) *App {
	if userStore == nil {
		userStore = store.Nop{}
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Resolver: route.NewResolver(cfg.Upstream.API, cfg.Upstream.Web),
		Rules: rewrite.NewDomainRules(cfg.Domain.API, cfg.Domain.Assets, rewrite.Hosts{
			API: cfg.Upstream.API,
			Web: cfg.Upstream.Web,
		}),
		Store: userStore,
		Transport: &transport.Caronte{
			RT:       transport.NewHTTPTransport(cfg.Transport.HTTP, cfg.Upstream.InsecureSkipVerify),
			Upstream: &cfg.Upstream,
		},
	}

	// structural edits first, raw rewriting last
	var handlers []pipeline.Handler
	if cfg.AdsFilterEnabled() {
		handlers = append(handlers, filters.NewAdsFilter())
	}
	if cfg.Analytics {
		a.Tracker = tracker.NewState(userStore, logger)
		handlers = append(handlers, filters.NewAnalytics(a.Tracker))
	}
	handlers = append(handlers, filters.NewURLRewriter(a.Rules))

	a.Chain = pipeline.NewChain(logger, handlers...)

	if cfg.Metrics.Enabled {
		a.Chain.FailureHook = metrics.RecordHandlerFailure
		if a.Tracker != nil {
			a.Tracker.OnNewUser = metrics.RecordNewUser
			a.Tracker.OnSnapshot = func(s tracker.Snapshot) {
				metrics.RecordWindow(s.Requests, s.Online, s.UsersTotal)
			}
		}
	}

	return a
}

// Start hydrates the analytics state when configured and runs the summary loop until ctx
// is done.
func (a *App) Start(ctx context.Context) error {
	if a.Tracker == nil {
		return nil
	}
	if a.Config.Storage.Preload {
		if err := a.Tracker.Hydrate(ctx); err != nil {
			return err
		}
	}
	go a.Tracker.Run(ctx, a.Config.AnalyticsWindow)
	return nil
}

// Close releases the user store.
func (a *App) Close() error {
	return a.Store.Close()
}
