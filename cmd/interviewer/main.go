// Command interviewer runs one interview conversation on the terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"interviewer/pkg/config"
	"interviewer/pkg/conversation"
	"interviewer/pkg/eventlog"
	"interviewer/pkg/finalize"
	"interviewer/pkg/llm"
	"interviewer/pkg/llm/factory"
	"interviewer/pkg/logx"
	"interviewer/pkg/metrics"
	"interviewer/pkg/persistence"
	"interviewer/pkg/progress"
	"interviewer/pkg/promptcache"
	"interviewer/pkg/recovery"
	"interviewer/pkg/utils"
)

const defaultSystemPrompt = `You are a warm, curious interviewer. Work through your objectives one at a time,
asking one question per turn. Reply as JSON: {"response": "<your next message>",
"currentObjectives": {<objective map with status, count, target per objective>}}.
When every objective is done, close the conversation politely.`

const promptTemplate = "interview"

// consolePresenter prints new assistant turns as they land. User turns are
// already visible as typed input.
type consolePresenter struct {
	mu     sync.Mutex
	shown  int
	typing bool
}

func (p *consolePresenter) Render(entries []conversation.Entry, finished bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := p.shown; i < len(entries); i++ {
		e := entries[i]
		switch {
		case e.IsTyping:
			if !p.typing {
				fmt.Println("[interviewer is typing...]")
				p.typing = true
			}
			// Leave shown behind the placeholder; its text arrives later.
			return
		case e.Role == conversation.EntryRoleAssistant:
			fmt.Printf("\nInterviewer: %s\n> ", e.Text)
		}
		p.typing = false
		p.shown = i + 1
	}
	if finished {
		fmt.Println("\n[conversation finished]")
	}
}

func main() {
	var configPath string
	var userID string
	var promptPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&userID, "user", "local", "User identifier for usage accounting")
	flag.StringVar(&promptPath, "prompt", "", "Path to system prompt file")
	flag.Parse()

	logger := logx.NewLogger("main")

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			logger.Error("config load failed: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	systemPrompt := defaultSystemPrompt
	if promptPath != "" {
		data, err := os.ReadFile(promptPath)
		if err != nil {
			logger.Error("prompt file read failed: %v", err)
			os.Exit(1)
		}
		systemPrompt = string(data)
	}

	if err := loadSecrets(); err != nil {
		logger.Warn("secrets unavailable, falling back to environment: %v", err)
	}

	db, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("database open failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	ops := persistence.NewDatabaseOperations(db)

	recorder := metrics.NewRecorder()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed: %v", err)
			}
		}()
	}

	client, err := factory.NewClient(&cfg, llm.MetricsMiddleware(recorder, cfg.Model))
	if err != nil {
		logger.Error("model client setup failed: %v", err)
		os.Exit(1)
	}

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		logger.Error("event log setup failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = events.Close() }()

	parser := recovery.NewParser(recorder)
	engine := progress.NewEngine(ops, recorder)
	summarizer := conversation.NewModelSummarizer(client, ops, cfg.EventLogDir)
	cache := promptcache.New(cfg.Cache.Capacity, cfg.Cache.TTL)

	var tokens *utils.TokenCounter
	if tc, terr := utils.NewTokenCounter(cfg.Model); terr == nil {
		tokens = tc
	}

	pipeline := finalize.NewPipeline(finalize.Deps{
		Store:    ops,
		Engine:   engine,
		Client:   client,
		Parser:   parser,
		Recorder: recorder,
		Tokens:   tokens,
	}, cfg.Timing.SettleDelay, cfg.CompletionThreshold)

	ctx := context.Background()
	conv, err := ops.CreateConversation(ctx, userID)
	if err != nil {
		logger.Error("conversation create failed: %v", err)
		os.Exit(1)
	}

	var cachedOpener string
	if entry, ok := cache.Get(userID, promptTemplate); ok {
		cachedOpener = entry.Opener
	}

	coordinator := conversation.New(conversation.Deps{
		Client:     client,
		Parser:     parser,
		Engine:     engine,
		Finalizer:  pipeline,
		Messages:   ops,
		Events:     events,
		Summarizer: summarizer,
		Presenter:  &consolePresenter{},
		Tokens:     recorder,
	}, conversation.Options{
		ConvID:         conv.ID,
		UserID:         userID,
		Model:          cfg.Model,
		SystemPrompt:   systemPrompt,
		CachedOpener:   cachedOpener,
		ClosingPhrases: cfg.ClosingPhrases,
		Timing:         cfg.Timing,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nclosing conversation...")
		if err := coordinator.Abandon(ctx); err != nil {
			logger.Warn("abandon failed: %v", err)
		}
		coordinator.Wait()
		_ = events.Close()
		_ = db.Close()
		os.Exit(0)
	}()

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("conversation start failed: %v", err)
		os.Exit(1)
	}

	// Remember this user's opener for the next conversation start.
	go func() {
		coordinator.WaitPrimer()
		for _, e := range coordinator.Transcript() {
			if e.Role == conversation.EntryRoleAssistant && !e.IsTyping && e.Text != "" {
				cache.Set(userID, promptTemplate, promptcache.Entry{
					SystemPrompt: systemPrompt,
					Opener:       e.Text,
				})
				break
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		if err := coordinator.Submit(ctx, text); err != nil {
			break
		}
		if coordinator.State() == conversation.StateFinished {
			break
		}
		fmt.Print("> ")
	}

	if coordinator.State() != conversation.StateFinished {
		if err := coordinator.Abandon(ctx); err != nil {
			logger.Warn("abandon failed: %v", err)
		}
	}
	coordinator.Wait()

	if cfg.PrometheusURL != "" {
		reportUsage(ctx, logger, cfg.PrometheusURL, conv.ID)
	}
	time.Sleep(100 * time.Millisecond)
}

// reportUsage prints aggregated token usage for the finished conversation from
// the Prometheus server, when one is configured. Best-effort; the numbers only
// exist once the server has scraped the metrics listener.
func reportUsage(ctx context.Context, logger *logx.Logger, prometheusURL, convID string) {
	query, err := metrics.NewQueryService(prometheusURL)
	if err != nil {
		logger.Warn("usage query setup failed: %v", err)
		return
	}

	usage, err := query.GetConversationUsage(ctx, convID)
	if err != nil {
		logger.Warn("usage query failed: %v", err)
		return
	}
	fmt.Printf("\nToken usage: %d prompt, %d completion, %d total\n",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)

	tiers, err := query.RecoveryTierRates(ctx)
	if err != nil {
		logger.Warn("recovery tier query failed: %v", err)
		return
	}
	for tier, count := range tiers {
		logger.Debug("recovery tier %s succeeded %d times", tier, count)
	}
}

// loadSecrets decrypts the local secrets file when one exists and stdin is a
// terminal to prompt on.
func loadSecrets() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("no home directory: %w", err)
	}
	if !config.SecretsFileExists(home) {
		return nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("secrets file present but stdin is not a terminal")
	}

	fmt.Print("Secrets password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	secrets, err := config.DecryptSecretsFile(home, string(password))
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}
