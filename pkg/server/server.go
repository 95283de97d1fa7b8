// Package server assembles the Airweave core server: storage, embedders,
// destinations, the sync pipeline, the scheduler, and the HTTP surface.
//
// It lives in pkg/ so deployments can compose the server with their own
// middleware or swap collaborators (identity, billing, durable scheduling)
// before serving.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/acl"
	"github.com/airweave/airweave/internal/api"
	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/cache"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/content"
	"github.com/airweave/airweave/internal/destination"
	"github.com/airweave/airweave/internal/embed"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/llm"
	"github.com/airweave/airweave/internal/oauthflow"
	"github.com/airweave/airweave/internal/oauthserver"
	"github.com/airweave/airweave/internal/orglife"
	"github.com/airweave/airweave/internal/pipeline"
	"github.com/airweave/airweave/internal/ratelimit"
	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/scheduler"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/secrets"
	"github.com/airweave/airweave/internal/sourceconn"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/internal/telemetry"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Server is the assembled application.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Cfg     *config.Config

	// ShutdownFunc stops the scheduler and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New builds the server from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig assembles all components with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, err
	}

	st, pgStore := buildStore(ctx, cfg)

	var (
		bus       events.Bus = events.NewMemoryBus()
		ctxCache  *cache.ContextCache
		blacklist *cache.Blacklist
	)
	if client, err := cache.NewClient(cfg.Redis.URL); err == nil {
		bus = events.NewRedisBus(client)
		ctxCache = cache.NewContextCache(client, cfg.Redis.CacheTTL)
		blacklist = cache.NewBlacklist(client)
		log.Info().Msg("redis connected")
	} else {
		log.Warn().Err(err).Msg("redis unavailable, using in-process bus and no caches")
	}

	reg := registry.New()
	registry.RegisterBuiltin(reg)

	box, err := buildBox(cfg)
	if err != nil {
		return nil, err
	}

	dense, sparse := buildEmbedders(cfg)
	dests, searchers := buildDestinations(ctx, pgStore, dense.Dimensions())

	guards := guardrail.NewRegistry(st)
	oauth := oauthflow.NewService(st, reg, cfg.Auth.PublicBaseURL)

	files, err := content.NewFileManager(cfg.Content.TempDir, cfg.Content.MaxFileBytes)
	if err != nil {
		log.Warn().Err(err).Msg("file staging unavailable, file entities index fields only")
	}

	runner := pipeline.NewRunner(st,
		&pipeline.ContentProcessor{
			Chunker:    content.NewChunker(cfg.Content.ChunkSize, cfg.Content.ChunkOverlap),
			Converters: buildConverters(cfg),
			Dense:      dense,
			Sparse:     sparse,
			Files:      files,
		},
		&pipeline.Dispatcher{
			Destinations: dests,
			Metadata:     &destination.StoreMetadata{Store: st},
		},
		bus, guards, cfg.Sync)

	sourceConns := &holder{}
	worker := scheduler.NewWorker(st, runSyncJob(st, sourceConns, runner, acl.NewMirror(st)), cfg.Sync.Workers)
	worker.Start()

	sourceConns.svc = sourceconn.NewService(st, reg, oauth, box, guards, worker)

	searchSvc := &search.Service{
		Store:     st,
		Dense:     dense,
		Sparse:    sparse,
		Searchers: searchers,
		Model:     buildChatModel(cfg),
		Guards:    guards,
		Bus:       bus,
		Cfg:       cfg.Search,
	}

	orgs := orglife.NewService(st, orglife.LocalIdentity{}, orglife.LocalBilling{}, worker, bus)
	orgs.Blacklist = blacklist
	orgs.Cache = ctxCache
	orgs.TestClock = cfg.Billing.StripeTestClock
	orgs.Production = cfg.IsProduction()

	if !cfg.Auth.Enabled {
		seedDev(ctx, st, cfg.Auth.FirstSuperuser)
	}

	apiServer := &api.Server{
		Cfg:           *cfg,
		Store:         st,
		Resolver:      apictx.NewResolver(st, ctxCache, blacklist, cfg.Auth),
		Limiter:       ratelimit.New(cfg.Auth.RateLimitPerMin, cfg.Auth.RateLimitBurst),
		SourceConns:   sourceConns.svc,
		Search:        searchSvc,
		Orgs:          orgs,
		OAuthFlow:     oauth,
		OAuthProvider: oauthserver.NewProvider(st),
		Guards:        guards,
		Bus:           bus,
		Version:       cfg.Version,
	}

	shutdown := func(ctx context.Context) error {
		worker.Stop()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      apiServer.Router(),
		Store:        st,
		Cfg:          cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// holder breaks the scheduler/sourceconn construction cycle: the worker's
// run function needs the service, the service needs the worker.
type holder struct {
	svc *sourceconn.Service
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, *store.PostgresStore) {
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unavailable, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return pg, pg
}

func buildBox(cfg *config.Config) (*secrets.Box, error) {
	if cfg.Auth.EncryptionKey != "" {
		return secrets.NewBox(cfg.Auth.EncryptionKey)
	}
	log.Warn().Msg("no encryption key configured, credentials will not survive restarts")
	return secrets.NewRandomBox(), nil
}

func buildEmbedders(cfg *config.Config) (contracts.DenseEmbedder, contracts.SparseEmbedder) {
	sparse := embed.NewBM25Embedder()
	if cfg.Embedding.InferenceURL != "" {
		log.Info().Str("url", cfg.Embedding.InferenceURL).Msg("using local inference embedder")
		return embed.NewMiniLMEmbedder(cfg.Embedding.InferenceURL), sparse
	}
	if cfg.Embedding.OpenAIAPIKey != "" {
		log.Info().Str("model", cfg.Embedding.OpenAIModel).Msg("using openai embedder")
		return embed.NewOpenAIEmbedder(cfg.Embedding.OpenAIAPIKey, cfg.Embedding.OpenAIModel), sparse
	}
	log.Warn().Msg("no embedding backend configured, defaulting to local inference on localhost")
	return embed.NewMiniLMEmbedder("http://localhost:9878"), sparse
}

func buildDestinations(ctx context.Context, pg *store.PostgresStore, dim int) ([]contracts.DestinationHandler, []destination.Searcher) {
	if pg != nil {
		vec, err := destination.NewPgvectorDestination(ctx, pg.Pool(), dim)
		if err == nil {
			return []contracts.DestinationHandler{vec}, []destination.Searcher{vec}
		}
		log.Warn().Err(err).Msg("pgvector unavailable, using in-memory destination")
	}
	mem := destination.NewMemoryDestination()
	return []contracts.DestinationHandler{mem}, []destination.Searcher{mem}
}

func buildConverters(cfg *config.Config) []contracts.Converter {
	var converters []contracts.Converter
	if cfg.Content.DoclingBaseURL != "" {
		converters = append(converters, content.NewDoclingConverter(cfg.Content.DoclingBaseURL))
	}
	converters = append(converters, content.PDFConverter{}, content.PlainConverter{})
	return converters
}

func buildChatModel(cfg *config.Config) contracts.ChatModel {
	switch {
	case cfg.Search.CerebrasAPIKey != "":
		return llm.New("https://api.cerebras.ai/v1", cfg.Search.CerebrasAPIKey, cfg.Search.PlannerModel)
	case cfg.Search.AzureOpenAIKey != "" && cfg.Search.AzureOpenAIBase != "":
		return llm.New(cfg.Search.AzureOpenAIBase, cfg.Search.AzureOpenAIKey, cfg.Search.PlannerModel)
	}
	log.Info().Msg("no chat model configured, agentic search disabled")
	return nil
}

// runSyncJob is the scheduler's work function: load the job, rebuild the
// source from sealed credentials, run the pipeline, and mirror ACL
// memberships when the source exposes them.
func runSyncJob(st store.Store, conns *holder, runner *pipeline.Runner, mirror *acl.Mirror) scheduler.RunFunc {
	return func(ctx context.Context, jobID string) error {
		job, err := st.GetSyncJob(ctx, jobID)
		if err != nil {
			return err
		}
		sync, err := st.GetSync(ctx, job.SyncID)
		if err != nil {
			return err
		}
		sc, err := conns.svc.SourceConnectionForSync(ctx, sync.OrganizationID, sync.ID)
		if err != nil {
			return err
		}
		src, err := conns.svc.BuildSource(ctx, sc)
		if err != nil {
			return err
		}

		if err := runner.Run(ctx, jobID, sync, src); err != nil {
			return err
		}

		if aclSrc, ok := src.(contracts.AccessControlSource); ok {
			res, err := mirror.Run(ctx, sync.OrganizationID, sc.ID, sync.ID, aclSrc)
			if err != nil {
				log.Error().Err(err).
					Str("source_connection_id", sc.ID).
					Msg("acl mirror failed")
			} else {
				log.Info().
					Str("mode", res.Mode).
					Int64("upserted", res.Upserted).
					Int64("removed", res.Removed).
					Msg("acl mirror finished")
			}
		}
		return nil
	}
}

// seedDev provisions the superuser and a default organization so a bare
// server is usable without auth.
func seedDev(ctx context.Context, st store.Store, email string) {
	if _, err := st.GetUserByEmail(ctx, email); err == nil {
		return
	}
	now := time.Now()
	org := &models.Organization{
		ID:         uuid.NewString(),
		Name:       "Default Organization",
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := st.CreateOrganization(ctx, org); err != nil {
		log.Warn().Err(err).Msg("seed organization failed")
		return
	}
	user := &models.User{
		ID:                    uuid.NewString(),
		Email:                 email,
		PrimaryOrganizationID: org.ID,
		Memberships: []models.Membership{
			{OrganizationID: org.ID, Role: models.RoleOwner, IsPrimary: true},
		},
		CreatedAt: now,
	}
	if err := st.UpsertUser(ctx, user); err != nil {
		log.Warn().Err(err).Msg("seed superuser failed")
		return
	}
	log.Info().Str("email", email).Str("organization_id", org.ID).Msg("dev superuser seeded")
}
