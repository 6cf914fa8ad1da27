package cmd

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/backend"
	"github.com/InstruktAI/teleclaude/internal/bridge"
	"github.com/InstruktAI/teleclaude/internal/chatadapter"
	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/httpadapter"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/identity"
	"github.com/InstruktAI/teleclaude/internal/lifecycle"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/peer"
	"github.com/InstruktAI/teleclaude/internal/poll"
	"github.com/InstruktAI/teleclaude/internal/remote"
	"github.com/InstruktAI/teleclaude/internal/session"
	"github.com/InstruktAI/teleclaude/internal/signal"
	"github.com/InstruktAI/teleclaude/internal/streamadapter"
	"github.com/InstruktAI/teleclaude/internal/toolsocket"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

var (
	daemonHTTPAddr string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the teleclaude daemon on this computer",
	Long: `daemon starts the node daemon: the tool socket, the Redis-backed
cross-node transport, the Telegram chat adapter (if configured), and the
WebSocket output boundary.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonHTTPAddr, "http-addr", ":8077", "WebSocket output boundary bind address")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.Default()

	store, err := session.NewStore(session.Config{
		Enabled: cfg.Sessions.Enabled,
		Path:    cfg.Sessions.Path,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	h := hub.New(logger)
	br := bridge.New("")
	resolver := identity.NewResolver(peopleFromConfig(cfg.People))
	resolver.Profiles = profilesFromConfig(cfg.Profiles)
	adapters := adapter.NewRegistry()
	coord := lifecycle.New(store, br, h, resolver, adapters)
	poller := poll.New(br, h)
	peers := peer.NewRegistry(peer.DefaultFreshness)

	// Every session creation path (tool socket, relayed node, chat
	// adapter) publishes session_started. internal/backend already starts
	// polling for the sessions it creates; this subscription covers the
	// chat adapter, which has no poller of its own, so a chat-originated
	// session gets its output streamed too. StartPolling is idempotent.
	startPolling := h.Subscribe(hub.SessionStarted, func(e hub.Event) error {
		sess, ok := e.Data.(*model.Session)
		if !ok || sess.Computer != cfg.ComputerName {
			return nil
		}
		if handle, ok := coord.Handle(sess.ID); ok {
			poller.StartPolling(ctx, sess.ID, handle)
		}
		return nil
	})
	defer h.Unsubscribe(startPolling)

	projects := make([]toolsurface.ProjectInfo, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, toolsurface.ProjectInfo{Name: p.Name, Path: p.Path})
	}

	be := backend.New(cfg.ComputerName, coord, store, peers, poller, h, projects, cfg.Agents.Commands)
	surface := toolsurface.New(be)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	remoteClient, err := remote.New(remote.Config{Client: redisClient})
	if err != nil {
		return fmt.Errorf("construct remote client: %w", err)
	}

	streamAdapter := streamadapter.New(
		remoteClient,
		cfg.ComputerName,
		be,
		peers,
		h,
		[]string{string(adapter.RemoteExecution)},
		[]string{"sessions"},
		cfg.Heartbeat.Interval(),
	)
	be.SetRemote(streamAdapter)
	adapters.Register(streamAdapter, nil)

	socketPath := cfg.ToolSocket.Path
	toolAdapter := toolsocket.New(socketPath, surface, logger)
	adapters.Register(toolAdapter, nil)

	httpAdapter := httpadapter.New(daemonHTTPAddr, surface, logger)
	adapters.Register(httpAdapter, nil)

	var chatAdapter *chatadapter.Adapter
	var bot *tgbotapi.BotAPI
	if cfg.Serve.Telegram.Token != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.Serve.Telegram.Token)
		if err != nil {
			return fmt.Errorf("connect to telegram: %w", err)
		}
		logger.Printf("[daemon] telegram authorised as @%s", bot.Self.UserName)
		chatAdapter = chatadapter.New(bot, cfg.Serve.Telegram, cfg.ComputerName, coord, h, peers, 0)
		adapters.Register(chatAdapter, nil)
	}

	for _, a := range adapters.All() {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", a.Name(), err)
		}
	}
	defer func() {
		for _, err := range adapters.StopAll() {
			logger.Printf("[daemon] adapter stop error: %v", err)
		}
	}()

	if chatAdapter != nil {
		go runTelegramLoop(ctx, bot, chatAdapter)
	}

	logger.Printf("[daemon] %s ready: tool_socket=%s http=%s", cfg.ComputerName, socketPath, daemonHTTPAddr)
	<-ctx.Done()
	logger.Println("[daemon] shutting down")
	return nil
}

// runTelegramLoop drives bot.GetUpdatesChan into chatAdapter.HandleMessage,
// a long-poll loop dispatching each incoming message to a per-message
// terminal-bridge write.
func runTelegramLoop(ctx context.Context, bot *tgbotapi.BotAPI, chatAdapter *chatadapter.Adapter) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			go chatAdapter.HandleMessage(ctx, update.Message)
		}
	}
}

func profilesFromConfig(profiles map[string]config.Profile) map[identity.ProfileName]identity.Profile {
	out := make(map[identity.ProfileName]identity.Profile, len(profiles))
	for name, p := range profiles {
		out[identity.ProfileName(name)] = identity.Profile{
			Name:          identity.ProfileName(name),
			ExtraFlags:    p.ExtraFlags,
			ReadDirs:      p.ReadDirs,
			WriteDirs:     p.WriteDirs,
			ShellAllow:    p.ShellAllow,
			FullAuthority: p.FullAuthority,
		}
	}
	return out
}

func peopleFromConfig(people []config.PersonConfig) []identity.Person {
	out := make([]identity.Person, 0, len(people))
	for _, p := range people {
		profile := identity.ProfileName(p.Profile)
		if profile == "" {
			profile = identity.ProfileDefault
		}
		out = append(out, identity.Person{
			Name:        p.Name,
			Email:       p.Email,
			Home:        p.Home,
			Profile:     profile,
			ChatUserIDs: p.ChatUserIDs,
		})
	}
	return out
}
