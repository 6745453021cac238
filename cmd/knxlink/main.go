// Knxlink - KNXnet/IP tunnel gateway
//
// Holds a tunneling connection to a KNX IP gateway, keeps a history of bus
// telegrams, and republishes them via REST API, MQTT, Valkey and Kafka.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"knxlink/api"
	"knxlink/config"
	"knxlink/engine"
	"knxlink/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optional protocol filter, e.g. knx,mqtt)")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("knxlink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// In memory only
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}

	if *adminUser != "" && *adminPass != "" {
		if err := setAdminUser(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for REST API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

// setAdminUser creates or updates an admin user and persists the config.
func setAdminUser(cfg *config.Config, username, password string) error {
	hash, err := api.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	if existing := cfg.FindWebUser(username); existing != nil {
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
	} else {
		cfg.AddWebUser(config.WebUser{
			Username:     username,
			PasswordHash: hash,
			Role:         config.RoleAdmin,
		})
	}

	// Sessions must survive restarts once users exist.
	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating session secret: %w", err)
		}
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
	}

	if err := cfg.Save(*configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

func run(cfg *config.Config) {
	console := logging.NewWriterLogger(os.Stdout)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				console.Log("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				console.Log("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	logf := func(format string, args ...interface{}) {
		console.Log(format, args...)
		fileLogger.Log(format, args...)
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logf,
	})
	eng.Start()

	var apiServer *api.Server
	if cfg.Web.Enabled {
		s := api.NewServer(cfg, eng)
		if err := s.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST API on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			apiServer = s
			fmt.Printf("REST API at %s/api/\n", apiServer.Address())
			if len(cfg.Web.Users) == 0 {
				fmt.Fprintf(os.Stderr, "Warning: no API users configured, the API is open. Use --admin-user/--admin-pass.\n")
			}
		}
	}

	if cfg.Gateway.Enabled {
		fmt.Printf("Tunnel to %s (%s:%d)\n", cfg.Gateway.Name, cfg.Gateway.Address, cfg.Gateway.Port)
	} else {
		fmt.Println("Gateway disabled; telegram history and sinks only")
	}
	fmt.Println("Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if apiServer != nil {
			apiServer.Stop()
		}
		// Disconnects the tunnel and stops every sink.
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "Shutdown timed out")
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}
