package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/posit-dev/positron-sub005/internal/config"
	"github.com/posit-dev/positron-sub005/internal/diag"
	"github.com/posit-dev/positron-sub005/internal/discovery"
	"github.com/posit-dev/positron-sub005/internal/relay"
	"github.com/posit-dev/positron-sub005/internal/runner"
	"github.com/posit-dev/positron-sub005/pkg/events"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath  string
	framingFlag string
	portMin     int
	portMax     int
	workDir     string
	noRegister  bool
	debugMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "testrelay [flags] -- <command> [args...]",
	Short: "Debug harness for the streaming test-result relay",
	Long: `testrelay spawns a command through the relay and prints every payload
the subprocess reports back over the relay socket.

The spawned command receives TEST_RUN_PORT and TEST_RUN_UUID in its
environment; it connects to 127.0.0.1:$TEST_RUN_PORT and writes frames
tagged with its run UUID.

Examples:
  testrelay -- python -m pytest_runner tests/
  testrelay --framing content-length -- python adapter.py
  testrelay --debug -- sh -c 'echo "{\"uuid\":\"$TEST_RUN_UUID\"}" | nc 127.0.0.1 $TEST_RUN_PORT'`,
	Args:    cobra.MinimumNArgs(1),
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to relay.toml")
	rootCmd.Flags().StringVarP(&framingFlag, "framing", "f", "", "Framing policy: lines or content-length")
	rootCmd.Flags().IntVar(&portMin, "port-min", 0, "Lowest port to bind (0 = ephemeral)")
	rootCmd.Flags().IntVar(&portMax, "port-max", 0, "Highest port to bind (0 = ephemeral)")
	rootCmd.Flags().StringVarP(&workDir, "dir", "d", "", "Working directory for the spawned command")
	rootCmd.Flags().BoolVar(&noRegister, "no-register", false, "Skip instance-file registration")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

func run(args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if framingFlag != "" {
		cfg.Framing = framingFlag
	}
	if portMin != 0 || portMax != 0 {
		cfg.PortMin = portMin
		cfg.PortMax = portMax
	}
	if debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	relay.SetDebugEnabled(cfg.Debug)

	bus := events.NewBus()
	diags := diag.NewStore(cfg.DiagnosticsLimit)
	registry := runner.NewRegistry(bus, diags)

	server, err := relay.New(relay.Config{
		Policy:         cfg.Policy(),
		PortMin:        cfg.PortMin,
		PortMax:        cfg.PortMax,
		ReadBufferSize: cfg.ReadBufferSize,
	}, registry, bus, diags)
	if err != nil {
		return err
	}
	registry.AttachRelay(server)
	defer func() {
		registry.Clear()
		server.Close()
	}()

	if !noRegister {
		registrar := discovery.NewRegistrar(cfg.InstancesDir)
		instanceID := fmt.Sprintf("testrelay-%s", uuid.New().String()[:8])
		dir, _ := os.Getwd()
		instance := &discovery.Instance{
			ID:        instanceID,
			Directory: dir,
			Port:      server.Port(),
			Framing:   cfg.Framing,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
			LastPing:  time.Now(),
		}
		if err := registrar.Register(instance); err != nil {
			fmt.Fprintf(os.Stderr, "warning: instance registration failed: %v\n", err)
		} else {
			defer registrar.Unregister(instanceID)
		}
	}

	fmt.Printf("relay listening on port %d (%s framing)\n", server.Port(), cfg.Framing)

	server.OnDataReceived(func(env relay.Envelope) {
		fmt.Printf("[data %s] %s\n", env.RunID, env.Raw)
	})
	server.OnError(func(env relay.Envelope) {
		fmt.Fprintf(os.Stderr, "[error %s] %v\n", env.RunID, env.Errors)
	})
	registry.RegisterOutputCallback(func(runID, line string, isError bool) {
		stream := os.Stdout
		if isError {
			stream = os.Stderr
		}
		fmt.Fprintf(stream, "[%s] %s\n", runID[:8], line)
	})

	exited := make(chan events.Event, 1)
	bus.Subscribe(events.RunExited, func(e events.Event) {
		select {
		case exited <- e:
		default:
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := registry.Dispatch(ctx, runner.Command{
		Path: args[0],
		Args: args[1:],
		Dir:  workDir,
	}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("dispatched run %s: %v\n", id, args)

	select {
	case e := <-exited:
		fmt.Printf("run %s exited: %v\n", e.RunID, e.Data["state"])
	case <-ctx.Done():
		fmt.Println("interrupted, stopping run")
		_ = registry.Stop(id)
	}

	if cfg.Debug {
		for _, entry := range diags.All() {
			fmt.Fprintf(os.Stderr, "diag [%s] %s\n", entry.Kind, entry.Message)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
