// Leybold-opc - Vacvision gateway daemon
//
// Connects to a Leybold Vacvision vacuum controller over its native TCP
// protocol, polls the configured parameters, and republishes value changes
// to MQTT, Valkey and Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luksan/leybold-opc/cache"
	"github.com/luksan/leybold-opc/config"
	"github.com/luksan/leybold-opc/kafka"
	"github.com/luksan/leybold-opc/logging"
	"github.com/luksan/leybold-opc/monitor"
	"github.com/luksan/leybold-opc/mqtt"
	"github.com/luksan/leybold-opc/sdb"
	"github.com/luksan/leybold-opc/vacvision"
	"github.com/luksan/leybold-opc/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
// This allows users to use `--log-debug` alone to enable all protocol logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		// Check for --log-debug or -log-debug without =
		if arg == "--log-debug" || arg == "-log-debug" {
			// Check if next arg exists and is not another flag
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				// No value provided, inject "all"
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		// If it has = sign, value is already provided
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
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log")
)

func main() {
	// Pre-process args to handle --log-debug without a value
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("leybold-opc %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
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

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Set up file logging if specified
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			log.SetOutput(f)
			redirectStderr(f)
			defer f.Close()
		}
	}

	// Set up protocol debug logging from the flag or the config file
	debugPath := cfg.Debug.LogFile
	debugFilter := cfg.Debug.Filter
	if *logDebug != "" {
		debugFilter = *logDebug
		if debugPath == "" {
			debugPath = "debug.log"
		}
	}
	if debugPath != "" {
		if debugFilter == "all" || debugFilter == "true" || debugFilter == "1" {
			debugFilter = ""
		}
		debugLogger, err := logging.NewDebugLogger(debugPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			debugLogger.SetFilter(debugFilter)
			logging.SetGlobalDebugLogger(debugLogger)
			if debugFilter == "" {
				log.Printf("Debug logging enabled (all components) - writing to %s", debugPath)
			} else {
				log.Printf("Debug logging enabled (filter: %s) - writing to %s", debugFilter, debugPath)
			}
			defer debugLogger.Close()
		}
	}

	run(cfg)
}

// run owns the publisher managers and the reconnect loop. Controller
// sessions fault permanently on transport errors, so each session is built
// from scratch; the publishers outlive them.
func run(cfg *config.Config) {
	// Create MQTT manager
	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	// Create Valkey manager
	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	// Create Kafka manager
	kafkaMgr := kafka.NewManager()
	kafkaCfgs := make([]kafka.Config, 0, len(cfg.Kafka))
	for _, kc := range cfg.Kafka {
		kafkaCfgs = append(kafkaCfgs, kafka.FromAppConfig(kc, cfg.Namespace))
	}
	kafkaMgr.LoadFromConfigs(kafkaCfgs)

	// Auto-connect enabled Kafka clusters
	go kafkaMgr.ConnectEnabled()

	store := cache.NewStore(cfg.CacheDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Running. Press Ctrl+C to stop.")

	backoff := time.Second
	for {
		start := time.Now()
		err := session(ctx, cfg, store, mqttMgr, valkeyMgr, kafkaMgr)
		if ctx.Err() != nil {
			break
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		log.Printf("session ended: %v (reconnecting in %v)", err, backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		if ctx.Err() != nil {
			break
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}

	fmt.Println("\nShutting down...")

	// Graceful shutdown with a deadline; a wedged broker must not hold
	// the process hostage.
	shutdownDone := make(chan struct{})
	go func() {
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	fmt.Println("Stopped")
}

// session runs one controller connection to completion: connect, load the
// schema, poll, republish. Returns when the connection faults or ctx is
// cancelled.
func session(ctx context.Context, cfg *config.Config, store *cache.Store,
	mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) error {

	controller := cfg.Controller.Name
	if controller == "" {
		controller = cfg.Controller.Address
	}

	client, err := vacvision.Connect(cfg.Controller.Address,
		vacvision.WithTimeout(cfg.Controller.RequestTimeout),
		vacvision.WithMaxTimeouts(cfg.Controller.MaxTimeouts))
	if err != nil {
		return err
	}
	defer client.Close()

	schema, err := client.EnsureSchema(ctx, store)
	if err != nil {
		return err
	}
	log.Printf("Connected to %s (%s): %d parameters", controller, client.Fingerprint().Ident, schema.NumParameters())

	// The controller's parameter database carries no engineering-unit
	// scaling; apply the conversions from the config.
	for _, p := range cfg.Parameters {
		if p.Scale == 0 && p.Unit == "" {
			continue
		}
		scale := p.Scale
		if scale == 0 {
			scale = 1
		}
		if err := schema.ApplyScaling(p.Name, scale, p.Unit); err != nil {
			log.Printf("Scaling for %s not applied: %v", p.Name, err)
		}
	}

	names := cfg.EnabledParams()
	if len(names) == 0 {
		log.Printf("No parameters enabled for polling; idle until shutdown")
		<-ctx.Done()
		return ctx.Err()
	}

	mon := monitor.New(client, names, cfg.PollRate)
	events := mon.Start(ctx)
	defer mon.Stop()

	valkeyMgr.PublishHealth(controller, true, "connected", "")
	kafkaMgr.PublishHealth(controller, true, "connected", "")

	for ev := range events {
		switch ev.Kind {
		case monitor.EventChange:
			unit, writable := paramMeta(schema, ev.Param)
			value := ev.Value.Go()
			mqttMgr.Publish(controller, ev.Param, unit, value, writable, false)
			valkeyMgr.Publish(controller, ev.Param, unit, value, writable)
			kafkaMgr.Publish(controller, ev.Param, unit, value, writable, false)
		case monitor.EventError:
			if ev.Param != "" {
				log.Printf("Read error for %s: %v", ev.Param, ev.Err)
			} else {
				log.Printf("Poll error: %v", ev.Err)
			}
		case monitor.EventFault:
			valkeyMgr.PublishHealth(controller, false, "faulted", ev.Err.Error())
			kafkaMgr.PublishHealth(controller, false, "faulted", ev.Err.Error())
			return ev.Err
		}
	}
	return ctx.Err()
}

// paramMeta returns the publish metadata for a parameter.
func paramMeta(schema *sdb.Schema, name string) (unit string, writable bool) {
	def, err := schema.Resolve(name)
	if err != nil {
		return "", false
	}
	return def.Unit, def.Access.CanWrite()
}
