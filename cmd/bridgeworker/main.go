// Command bridgeworker runs (or validates) a bridge worker process against
// a bridgeData.yml configuration, matching the subcommand-dispatch style
// of cmd/kilroy/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aipowergrid/gridbridge/internal/config"
	"github.com/aipowergrid/gridbridge/internal/supervisor"
	"github.com/aipowergrid/gridbridge/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("bridgeworker %s\n", version.Version)
		os.Exit(0)
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  bridgeworker run --config <bridgeData.yml> [--only <glob>] [--metrics-addr <host:port>] [--log-level <level>]")
	fmt.Fprintln(os.Stderr, "  bridgeworker validate --config <bridgeData.yml>")
	fmt.Fprintln(os.Stderr, "  bridgeworker version")
}

func runCmd(args []string) {
	var configPath, only, metricsAddr, logLevel string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--only":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--only requires a value")
				os.Exit(1)
			}
			only = args[i]
		case "--metrics-addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--metrics-addr requires a value")
				os.Exit(1)
			}
			metricsAddr = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, overrides, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg, overrides, supervisor.Options{
		Only:        only,
		MetricsAddr: metricsAddr,
		LogLevel:    logLevel,
	})

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	os.Exit(sup.Run(ctx))
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, _, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %d endpoint(s), %d worker(s)\n", len(cfg.Endpoints), countModels(cfg))
}

func countModels(cfg *config.Config) int {
	n := 0
	for _, ep := range cfg.Endpoints {
		n += len(ep.Models)
	}
	return n
}

// signalCancelContext mirrors cmd/kilroy/main.go's cooperative-shutdown
// helper: cancel the returned context on SIGINT/SIGTERM. Workers stop at
// their next loop iteration and the contexts of their in-flight jobs are
// cancelled with it; running jobs are not waited for.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}
