package main

import (
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lumenlabs/borealis/cloud/driver"
	"github.com/lumenlabs/borealis/common/log/hooks"
	"github.com/lumenlabs/borealis/common/stats"
	"github.com/lumenlabs/borealis/sched/config"
	"github.com/lumenlabs/borealis/sched/events"
	"github.com/lumenlabs/borealis/sched/scheduler"
	"github.com/lumenlabs/borealis/storage"
)

var (
	configFile string
	logLevel   string
	statsAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Borealis scheduling daemon",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configFile, "config_file", "", "JSON config file; defaults apply when empty")
	rootCmd.Flags().StringVar(&logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	rootCmd.Flags().StringVar(&statsAddr, "stats_addr", "localhost:9091", "Address to serve metrics on; empty disables")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log.AddHook(hooks.NewContextHook())
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	var raw []byte
	if configFile != "" {
		raw, err = os.ReadFile(configFile)
		if err != nil {
			return err
		}
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return err
	}

	stat := stats.DefaultStatsReceiver()
	bus := events.NewBus()
	store := storage.MakeInMemoryStorage()
	clk := clock.New()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	core := scheduler.NewCore(cfg, store, driver.NewLoggingDriver(), bus, clk, rng, stat)
	if err := core.Start(); err != nil {
		return err
	}
	defer core.Stop()
	log.Info("Scheduler core started")

	if statsAddr != "" {
		go serveStats(statsAddr, stat)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received %v, shutting down", sig)
	return nil
}

func serveStats(addr string, stat stats.StatsReceiver) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(stat.Render())
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithFields(log.Fields{"addr": addr, "err": err}).Error("Stats endpoint failed")
	}
}
