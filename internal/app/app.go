// Package app wires the core subsystems shared by the api and worker
// binaries.
package app

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/followup-core/internal/bus"
	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/config"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/identity"
	"github.com/capitalize-ai/followup-core/internal/kv"
	"github.com/capitalize-ai/followup-core/internal/llm"
	"github.com/capitalize-ai/followup-core/internal/memory"
	"github.com/capitalize-ai/followup-core/internal/sequence"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/internal/vector"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// App holds the wired core subsystems.
type App struct {
	Cfg      *config.Config
	Log      *logger.Logger
	Store    *store.Store
	KV       kv.KV
	Index    vector.Index
	Bus      *bus.Client
	EventBus *bus.EventBus
	Events   *eventlog.Log
	Registry *channel.Registry
	Resolver *identity.Resolver
	Memory   *memory.Manager
	Engine   *sequence.Engine
	Clock    clock.Clock
}

// Build connects every backing service and wires the core. Callers own the
// returned App's Close.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	clk := clock.System{}

	db, err := store.OpenPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(db, log)

	kvStore, err := kv.NewRedis(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	index, err := vector.NewQdrant(ctx, vector.Config{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dim:        cfg.EmbeddingDim,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	busClient, err := bus.Connect(ctx, bus.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	eventBus := bus.NewEventBus(busClient, log)
	if err := eventBus.EnsureStream(ctx); err != nil {
		busClient.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	events := eventlog.New(st.Events, eventBus, clk, log)

	llmClient, err := buildLLM(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	registry := channel.NewRegistry(cfg.ChannelSendTimeout,
		channel.NewWhatsApp(channel.WhatsAppConfig{
			APIBaseURL:  cfg.WhatsAppAPIBaseURL,
			AccessToken: cfg.WhatsAppAccessToken,
			PhoneID:     cfg.WhatsAppPhoneID,
		}),
		channel.NewSMS(channel.SMSConfig{
			APIBaseURL: cfg.SMSAPIBaseURL,
			AccountSID: cfg.SMSAccountSID,
			AuthToken:  cfg.SMSAuthToken,
			FromNumber: cfg.SMSFromNumber,
		}),
		channel.NewEmail(channel.EmailConfig{
			APIBaseURL:  cfg.EmailAPIBaseURL,
			APIKey:      cfg.EmailAPIKey,
			FromAddress: cfg.EmailFromAddress,
			FromName:    cfg.EmailFromName,
		}),
	)
	registry.SetSendRate(cfg.SendRatePerMin)

	resolver := identity.New(st.Leads, identity.NewEventReviewer(events),
		identity.Policy(cfg.UnknownIdentityPolicy), clk, log)

	mem := memory.New(kvStore, st.Messages, st.Summaries, st.Leads, index, embedder,
		llmClient, events, clk, memory.Params{
			HotRingSize:     cfg.HotRingSize,
			HotTTL:          cfg.HotTTL,
			WarmWindow:      cfg.WarmWindowSize,
			ColdTopK:        cfg.ColdTopK,
			ColdMinScore:    cfg.ColdMinScore,
			VectorTimeout:   cfg.VectorTimeout,
			SummaryMaxChars: cfg.SummaryMaxChars,
		}, log)

	classifier := llm.NewLLMClassifier(llmClient,
		llm.NewKeywordClassifier(cfg.SentimentPositiveThreshold, cfg.SentimentNegativeThreshold))

	engine := sequence.New(st, registry, classifier, mem, events,
		sequence.NewMapRenderer(defaultTemplates()), clk, sequence.Params{
			GhostThreshold:  cfg.GhostThreshold,
			ReactivationMin: cfg.ReactivationMinDays,
			ReactivationMax: cfg.ReactivationMaxDays,
			MaxHoldBackoff:  cfg.MaxHoldBackoff,
		}, log)

	return &App{
		Cfg:      cfg,
		Log:      log,
		Store:    st,
		KV:       kvStore,
		Index:    index,
		Bus:      busClient,
		EventBus: eventBus,
		Events:   events,
		Registry: registry,
		Resolver: resolver,
		Memory:   mem,
		Engine:   engine,
		Clock:    clk,
	}, nil
}

// Close releases held connections.
func (a *App) Close() {
	if a.Bus != nil {
		a.Bus.Close()
	}
}

func buildLLM(cfg *config.Config) (llm.Client, error) {
	var (
		inner llm.Client
		err   error
	)
	switch {
	case cfg.DefaultLLM == "openai" && cfg.OpenAIAPIKey != "":
		inner, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	case cfg.AnthropicAPIKey != "":
		inner, err = llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		inner, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey)
	default:
		return nil, fmt.Errorf("no LLM provider configured")
	}
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return llm.NewRetrying(inner, cfg.LLMTimeout, cfg.LLMMaxRetries), nil
}

func defaultTemplates() map[string]string {
	return map[string]string{
		"intro":        "Hi {name}, great to connect. How can we help?",
		"follow_up_1":  "Hi {name}, just checking in on my last message.",
		"follow_up_2":  "Hi {name}, still interested? Happy to answer questions.",
		"reactivation": "Hi {name}, it has been a while. Anything we can do for you?",
	}
}
