// Command worker runs a remote worker pool: it accepts task submissions on
// the control port (or consumes them from the cluster topic) and pushes
// results back to the dispatcher's ingress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/hazardlab/starmap"
	"github.com/hazardlab/starmap/config"
)

func main() {
	starmap.Init() // divert when spawned as a pool child

	configPath := flag.String("config", "", "Path to starmap.yaml")
	ctrlAddr := flag.String("ctrl-addr", "", "Control address to listen on (default :<distribution.ctrl_port>)")
	concurrency := flag.Int("concurrency", 0, "Maximum concurrent tasks (default all cores)")
	cluster := flag.Bool("cluster", false, "Consume tasks from the cluster topic instead of the control port")
	group := flag.String("group", "starmap-workers", "Cluster consumer group")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *concurrency <= 0 {
		*concurrency = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := starmap.InitObservability(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up telemetry: %v\n", err)
		os.Exit(1)
	}
	defer starmap.ShutdownObservability(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("Shutting down...")
		cancel()
	}()

	hostname, _ := os.Hostname()
	fmt.Printf("Worker: %s\n", hostname)
	fmt.Printf("Registered tasks: %s\n", strings.Join(starmap.DefaultRegistry.List(), ", "))
	fmt.Printf("Concurrency: %d\n", *concurrency)

	if *cluster {
		fmt.Printf("Cluster brokers: %v topic: %s group: %s\n",
			cfg.Cluster.Brokers, cfg.Cluster.Topic, *group)
		err = starmap.ServeClusterWorker(ctx, cfg.Cluster.Brokers, cfg.Cluster.Topic, *group, *concurrency)
	} else {
		addr := *ctrlAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Distribution.CtrlPort)
		}
		fmt.Printf("Control address: %s\n", addr)
		err = starmap.ServeWorker(ctx, addr, *concurrency)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker failed: %v\n", err)
		os.Exit(1)
	}
}
