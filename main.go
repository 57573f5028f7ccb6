// Command photorelay starts the photo relay server.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the websocket event
//     protocol, the inspection endpoints and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server against an existing relay, or spins
//     up an internal one if none is reachable
//
// Flags control host/port, the config file, debug logging, the public URL
// used for viewer links, and optional ngrok tunneling for access from phones
// outside the local network.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/radiofeira123-cloud/photorelay/api"
	"github.com/radiofeira123-cloud/photorelay/relay/config"
	"github.com/radiofeira123-cloud/photorelay/relay/service"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/upload"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
	"github.com/radiofeira123-cloud/photorelay/transport/mcp"
	"github.com/radiofeira123-cloud/photorelay/transport/websocket"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Photo Relay"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	} else {
		log.Println("Loaded environment variables from .env file")
	}

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "photorelay",
		Usage:   "Relay photos from a phone to live screens and shareable viewer links",
		Version: Version,
		Flags:   serverFlags(),
		Action:  runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server with websocket, inspection and MCP endpoints (default)",
				Flags:  serverFlags(),
				Action: runServe,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "Run an MCP stdio server for inspecting a relay",
				Flags: append(serverFlags(), &cli.StringFlag{
					Name:  "api-url",
					Value: "http://localhost:10000",
					Usage: "Relay API to inspect; an internal relay is started if it is unreachable",
				}),
				Action: runStdioMCP,
			},
		},
	}
}

// serverFlags returns a fresh flag set; flag values are per command.
func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML config file",
			Sources: cli.EnvVars("RELAY_CONFIG"),
		},
		&cli.StringFlag{Name: "host", Usage: "HTTP server host"},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP server port"},
		&cli.StringFlag{Name: "public-url", Usage: "Base URL for viewer links"},
		&cli.StringFlag{Name: "static-dir", Usage: "Directory served at /"},
		&cli.StringFlag{Name: "session-mode", Usage: "per_capture or shared"},
		&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging"},
		&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel"},
		&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token (or use NGROK_AUTHTOKEN env var)"},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)"},
	}
}

// loadConfig reads file and environment configuration, then applies any
// flags that were set explicitly.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("public-url") {
		cfg.Server.PublicURL = cmd.String("public-url")
	}
	if cmd.IsSet("static-dir") {
		cfg.Server.StaticDir = cmd.String("static-dir")
	}
	if cmd.IsSet("session-mode") {
		cfg.Session.Mode = cmd.String("session-mode")
	}
	if cmd.Bool("ngrok") {
		cfg.Ngrok.Enabled = true
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.Ngrok.AuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(debug bool) {
	if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

// relayServer bundles the wired components of one relay process.
type relayServer struct {
	cfg      *config.Config
	sessions *session.Store
	viewers  *viewer.Store
	gateway  *upload.Gateway
	relay    *service.Relay
	hub      *websocket.Hub
	sweeper  *viewer.Sweeper
}

// buildRelay constructs the stores, upload gateway, event handler and hub.
func buildRelay(cfg *config.Config) *relayServer {
	var host upload.Host
	if cfg.Upload.APIKey != "" {
		host = upload.NewImgBB(cfg.Upload.Endpoint, cfg.Upload.APIKey, nil)
	}
	gateway := upload.NewGateway(host, cfg.Upload.Gateway())

	var uploader viewer.Uploader
	if gateway.Enabled() {
		uploader = gateway
	} else {
		log.Println("Image hosting disabled (no IMGBB_API_KEY); viewer links will carry original photos only")
	}

	sessions := session.NewStore(session.EndPolicy(cfg.Session.EndPolicy))
	viewers := viewer.NewStore(uploader, viewer.Options{
		TTL:         cfg.Viewer.TTL,
		UploadPause: cfg.Viewer.UploadPause,
	})

	hub := websocket.NewHub(websocket.Options{
		MaxMessageSize: cfg.Server.MaxMessageBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	relay := service.NewRelay(sessions, viewers, hub, service.Options{
		Shared:    cfg.Session.Shared(),
		SharedID:  cfg.Session.SharedID,
		PublicURL: cfg.Server.PublicURL,
	})
	hub.SetHandler(relay)

	sweeper := viewer.NewSweeper(viewers, cfg.Viewer.SweepInterval)
	if cfg.Session.IdleTTL > 0 {
		sweeper.WithIdleSessions(sessions, cfg.Session.IdleTTL)
	}

	return &relayServer{
		cfg:      cfg,
		sessions: sessions,
		viewers:  viewers,
		gateway:  gateway,
		relay:    relay,
		hub:      hub,
		sweeper:  sweeper,
	}
}

// handler builds the HTTP API; mcpHandler may be nil.
func (s *relayServer) handler(mcpHandler http.Handler) http.Handler {
	return api.NewServer(s.sessions, s.viewers, s.hub, api.Options{
		StaticDir:      s.cfg.Server.StaticDir,
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		PublicURL:      s.relay.PublicURL,
		MCP:            mcpHandler,
	})
}

// loopbackURL is how in-process clients reach a server bound to addr.
func loopbackURL(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(port)))
}

// runServe starts the HTTP server with the websocket hub, inspection API and
// /mcp endpoint. If ngrok is enabled it also provisions a public tunnel.
func runServe(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd.Bool("debug"))

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Printf("Starting %s v%s (session mode: %s)", AppName, Version, cfg.Session.Mode)

	srv := buildRelay(cfg)
	addr := cfg.Addr()

	mcpClient := mcp.NewClient(loopbackURL(cfg.Server.Host, cfg.Server.Port), Version)
	handler := srv.handler(mcpClient.Handler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	srv.sweeper.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		log.Printf("HTTP server listening on %s", addr)
		log.Printf("WebSocket: ws://%s/ws", addr)
		log.Printf("Health: http://%s/health", addr)
		log.Printf("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if cfg.Ngrok.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runTunnel(ctx, cfg.Ngrok, srv.relay, handler)
		}()
	}

	sig := <-stop
	log.Printf("Received signal: %v. Shutting down...", sig)
	cancel()

	srv.sweeper.Stop()
	srv.hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	wg.Wait()
	log.Println("Server stopped")
	return nil
}

// runTunnel serves handler through an ngrok tunnel until ctx is cancelled.
// Viewer links use the tunnel URL unless a public URL was configured.
func runTunnel(ctx context.Context, cfg config.NgrokConfig, relay *service.Relay, handler http.Handler) {
	if cfg.AuthToken == "" {
		log.Println("WARNING: Ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	log.Println("Starting ngrok tunnel...")

	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
		log.Printf("Using custom ngrok domain: %s", cfg.Domain)
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		log.Printf("Failed to start ngrok tunnel: %v", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			log.Printf("Failed to close ngrok tunnel: %v", err)
		}
	}()

	ngrokURL := tun.URL()
	if relay.PublicURL() == "" {
		relay.SetPublicURL(ngrokURL)
	}
	log.Printf("🚀 Ngrok tunnel established: %s", ngrokURL)
	log.Printf("  WebSocket (ngrok): %s/ws", ngrokURL)
	log.Printf("  Viewer links: %s", service.ViewerLink(relay.PublicURL(), "<id>"))

	if err := http.Serve(tun, handler); err != nil && err != http.ErrServerClosed {
		log.Printf("Ngrok server error: %v", err)
	}
	log.Println("Ngrok tunnel closed")
}

// runStdioMCP runs an MCP stdio server. It reuses the relay at --api-url if
// one answers; otherwise it starts an internal relay on a loopback port.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd.Bool("debug"))

	baseURL := cmd.String("api-url")
	log.Printf("Checking for relay at %s...", baseURL)

	if !relayReachable(baseURL) {
		log.Printf("No relay found, starting internal HTTP server")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		baseURL = fmt.Sprintf("http://%s", listener.Addr().String())

		srv := buildRelay(cfg)
		srv.sweeper.Start(ctx)
		defer srv.sweeper.Stop()

		httpServer := &http.Server{Handler: srv.handler(nil)}
		go func() {
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Printf("Internal HTTP server error: %v", err)
			}
		}()
		defer httpServer.Close()

		log.Printf("Internal relay listening on %s", baseURL)
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	log.Printf("MCP stdio server ready (relay at %s)", baseURL)

	if err := mcpClient.ServeStdio(); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	return nil
}

func relayReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
