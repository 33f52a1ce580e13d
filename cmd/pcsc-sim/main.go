package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/pcsc-sim/internal/api"
	"github.com/SimplyPrint/pcsc-sim/internal/config"
	"github.com/SimplyPrint/pcsc-sim/internal/core"
	"github.com/SimplyPrint/pcsc-sim/internal/logging"
	"github.com/SimplyPrint/pcsc-sim/internal/settings"
	"github.com/SimplyPrint/pcsc-sim/internal/winscard"
	"github.com/ebfe/scard"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	// Accepted for command-line compatibility; the simulator is always headless.
	_ = flag.Bool("headless", false, "Ignored")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PC/SC Simulator - virtual smart-card readers over HTTP and WebSocket\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  pcsc-sim [flags]\n")
		fmt.Fprintf(os.Stderr, "  pcsc-sim <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve       Run the simulator service (default)\n")
		fmt.Fprintf(os.Stderr, "  selftest    Attach a reader, insert a card and connect, then exit\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_PORT        Port to listen on (default: 32146)\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_HOST        Host to bind to (default: 127.0.0.1)\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_LOG_LEVEL   debug, info, warn or error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_LOG_FORMAT  text, json or none (default: text)\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_READERS     Readers attached to a seeded context, e.g. \"Pinpad Reader\"\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_CARDS       Cards inserted into seeded readers, e.g. \"Pinpad Reader 0=test\"\n")
		fmt.Fprintf(os.Stderr, "  PCSC_SIM_MAX_WAIT    Cap for status-change waits over the API (default: 5m)\n")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	command := "serve"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "version":
		printVersion()
	case "serve":
		cfg, err := config.Parse()
		if err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
		if err := run(cfg); err != nil {
			log.Fatalf("server error: %v", err)
		}
	case "selftest":
		setup(config.Load())
		if err := selftest(); err != nil {
			log.Fatalf("Self test failed: %v", err)
		}
		fmt.Println("Self test passed")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("pcsc-sim %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// setup initializes logging, crash reporting and user settings.
func setup(cfg *config.Config) {
	s, err := settings.Load()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
	}

	level := cfg.LogLevel
	if _, set := os.LookupEnv("PCSC_SIM_LOG_LEVEL"); !set && s != nil && s.LogLevel != "" {
		level = s.LogLevel
	}

	logging.Init(cfg.LogBuffer, logging.ParseLevel(level))
	logging.Get().SetOutput(os.Stderr, cfg.LogFormat)
	logging.SetCrashLogDir(cfg.CrashDir)
	logging.SetStateSnapshot(api.Snapshot)

	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
	}
}

func run(cfg *config.Config) error {
	setup(cfg)
	defer logging.FlushSentry(2 * time.Second)
	defer logging.RecoverAndLog("main", true)

	logging.Info(logging.CatSystem, "PC/SC simulator starting", map[string]any{
		"version": api.Version,
	})

	if err := seed(cfg); err != nil {
		return err
	}

	api.SetMaxWait(cfg.MaxWait)

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	api.SetShutdownHandler(stop)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("pcsc-sim %s listening on http://%s\n", api.Version, srv.Addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", srv.Addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": srv.Addr,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "Shutting down", nil)

	// Long polls and WebSocket waits hang on their contexts; release them first.
	for _, h := range core.Handles.Contexts() {
		_ = winscard.ReleaseContext(h)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seed establishes a system-scope context holding the configured readers and
// cards, so clients can find something to connect to right away.
func seed(cfg *config.Config) error {
	names := cfg.ReaderNames()
	insertions, err := cfg.Insertions()
	if err != nil {
		return err
	}
	if len(names) == 0 && len(insertions) == 0 {
		return nil
	}

	client, err := winscard.Establish(winscard.ScopeSystem)
	if err != nil {
		return fmt.Errorf("seed context: %w", err)
	}
	for _, name := range names {
		if _, err := client.AttachReader(name); err != nil {
			return fmt.Errorf("attach reader %q: %w", name, withHint(err, core.SuggestReader(name)))
		}
	}
	for _, in := range insertions {
		if err := client.InsertCard(in.Reader, in.Card); err != nil {
			return fmt.Errorf("insert %q into %q: %w", in.Card, in.Reader, withHint(err, core.SuggestCard(in.Card)))
		}
	}

	readers, _ := client.ListReaders()
	logging.Info(logging.CatContext, "Seeded context", map[string]any{
		"context": uint64(client.Handle()),
		"readers": readers,
	})
	return nil
}

func withHint(err error, suggestion string) error {
	if suggestion == "" {
		return err
	}
	return fmt.Errorf("%w (did you mean %q?)", err, suggestion)
}

// selftest runs a full attach, insert, connect, status and eject cycle
// through the client API.
func selftest() error {
	var factory winscard.ContextFactory = winscard.SimulatorFactory{Scope: winscard.ScopeUser}

	sc, err := factory.EstablishContext()
	if err != nil {
		return fmt.Errorf("establish: %w", err)
	}
	defer sc.Release()

	client := sc.(*winscard.Client)
	reader, err := client.AttachReader("Non Pinpad Reader")
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := client.InsertCard(reader, "test"); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	readers, err := sc.ListReaders()
	if err != nil {
		return fmt.Errorf("list readers: %w", err)
	}
	fmt.Printf("Readers: %q\n", readers)

	card, err := sc.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	st, err := card.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Printf("Card in %s: ATR % X, protocol %d\n", st.Reader, st.Atr, st.ActiveProtocol)

	if _, err := card.Transmit([]byte{0x00, 0xA4, 0x04, 0x00}); !errors.Is(err, scard.ErrUnsupportedFeature) {
		return fmt.Errorf("transmit: expected unsupported feature, got %v", err)
	}
	if err := card.Disconnect(scard.EjectCard); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	if err := client.RemoveCard(reader); !errors.Is(err, scard.ErrNoSmartcard) {
		return fmt.Errorf("eject: expected an empty reader, got %v", err)
	}
	return nil
}
