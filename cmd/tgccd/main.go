// Command tgccd is the daemon: it loads the agent configuration, connects
// the configured chat networks, and supervises one assistant subprocess per
// agent, streaming turns back and forth.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tgccd/tgccd/internal/adminsocket"
	"github.com/tgccd/tgccd/internal/bridge"
	"github.com/tgccd/tgccd/internal/chatclient"
	"github.com/tgccd/tgccd/internal/chatclient/discord"
	"github.com/tgccd/tgccd/internal/chatclient/telegram"
	"github.com/tgccd/tgccd/internal/config"
)

func main() {
	configPath := flag.String("config", envOr("TGCCD_CONFIG", "tgccd.json"), "path to the daemon configuration document")
	binaryPath := flag.String("assistant-binary", envOr("TGCCD_ASSISTANT_BINARY", "claude"), "path to the assistant CLI binary to supervise")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("tgccd: shutting down")
		cancel()
	}()

	if err := run(ctx, *configPath, *binaryPath); err != nil {
		log.Fatalf("tgccd: %v", err)
	}
}

func run(ctx context.Context, configPath, binaryPath string) error {
	watcher, err := config.NewWatcher(configPath, onConfigChange)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap := watcher.Current()

	clients, err := buildClients(snap.Global)
	if err != nil {
		return fmt.Errorf("build chat clients: %w", err)
	}

	sessionsRoot := snap.Global.DataDir
	if sessionsRoot == "" {
		sessionsRoot = filepath.Join(os.Getenv("HOME"), ".claude", "projects")
	}

	orch := bridge.New(snap, clients, binaryPath, sessionsRoot)

	socketPath := snap.Global.ControlSocketPath
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), "tgccd.sock")
	}
	adminSrv, err := newAdminServer(socketPath, orch)
	if err != nil {
		return fmt.Errorf("start admin socket: %w", err)
	}

	supSocketPath := snap.Global.SupervisorSocketPath
	if supSocketPath == "" {
		supSocketPath = filepath.Join(os.TempDir(), "tgccd-supervisor.sock")
	}
	supSrv, err := adminsocket.NewSupervisorServer(supSocketPath, orch)
	if err != nil {
		return fmt.Errorf("start supervisor socket: %w", err)
	}
	orch.SetSupervisorPublisher(supSrv)

	errCh := make(chan error, 5)

	for network, client := range clients {
		network, client := network, client
		go func() {
			if err := client.(starter).Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s client: %w", network, err)
			}
		}()
	}

	go func() {
		if err := adminSrv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("admin socket: %w", err)
		}
	}()

	go func() {
		if err := supSrv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("supervisor socket: %w", err)
		}
	}()

	go func() {
		if err := watcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("config watcher: %w", err)
		}
	}()

	go func() {
		if err := orch.Run(ctx); err != nil {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func newAdminServer(path string, orch *bridge.Orchestrator) (*adminsocket.Server, error) {
	return adminsocket.NewServer(path, orch)
}

// starter is satisfied by both chatclient network implementations; chatclient.Client
// itself stays transport-agnostic so it does not carry a Start method.
type starter interface {
	Start(ctx context.Context) error
}

func buildClients(g config.Global) (map[string]chatclient.Client, error) {
	clients := make(map[string]chatclient.Client, 2)

	if g.TelegramToken != "" {
		tg, err := telegram.New(g.TelegramToken, g.AllowedTelegramUsers)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		clients["telegram"] = tg
	}

	if g.DiscordToken != "" {
		dc, err := discord.New(g.DiscordToken, g.DiscordGuildID)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		clients["discord"] = dc
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no chat network configured: set global.telegram_token or global.discord_token")
	}
	return clients, nil
}

func onConfigChange(snap *config.Snapshot, diff config.Diff) {
	for _, a := range diff.AddedAgents {
		log.Printf("config: agent %q added (reload required to pick it up)", a.Name)
	}
	for _, a := range diff.RemovedAgents {
		log.Printf("config: agent %q removed (reload required to drop it)", a.Name)
	}
	for _, a := range diff.ChangedAgents {
		log.Printf("config: agent %q changed (reload required to apply)", a.Name)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
