// Command ktable-counter counts messages per key in a table and publishes
// the running count of every key to an output topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/birdayz/ktable"
	"github.com/birdayz/ktable/broker"
	klog "github.com/birdayz/ktable/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type counterConfig struct {
	AppName         string
	Brokers         []string
	Group           string
	Input           string
	Output          string
	StateDir        string
	MetricsListen   string
	PollTimeout     time.Duration
	AbortTimeout    time.Duration
	RecoveryChecks  int
	LogFormat       string
	LogLevel        string
	TransactionalID string
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ktable-counter",
		Short:         "Count messages per key with an exactly-once, changelog-backed table",
		SilenceErrors: true,
		Example: `
  # Count keys of "clicks", publish counts to "click-counts"
  APP_NAME=clicks-counter ktable-counter --brokers localhost:9092 --input clicks --output click-counts
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if path := viper.GetString("config"); path != "" {
				viper.SetConfigFile(path)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file %q: %w", path, err)
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("app-name", "", "application name; names the changelog topic (env APP_NAME)")
	flags.StringSlice("brokers", []string{"localhost:9092"}, "Kafka seed brokers")
	flags.String("group", "", "consumer group (defaults to the app name)")
	flags.String("transactional-id", "", "transactional ID of the producer")
	flags.String("input", "", "topic to count keys of")
	flags.String("output", "", "topic the per-key counts are published to (optional)")
	flags.String("state-dir", "", "directory the table partitions are stored in")
	flags.String("metrics-listen", ":9090", "address serving /metrics; empty disables it")
	flags.Duration("poll-timeout", ktable.DefaultPollTimeout, "how long a poll waits for a message")
	flags.Duration("abort-timeout", ktable.DefaultAbortTimeout, "bound on aborting the in-flight transaction at shutdown")
	flags.Int("recovery-checks", ktable.DefaultRecoveryChecks, "consecutive empty polls ending a recovery batch")
	flags.String("log-format", klog.FormatAuto, "log format: auto, console, json or tint")
	flags.String("log-level", "info", "log level")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	viper.SetEnvPrefix("KTABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv("app-name", "APP_NAME", "KTABLE_APP_NAME"); err != nil {
		panic(err)
	}

	return cmd
}

func loadConfig() (counterConfig, error) {
	cfg := counterConfig{
		AppName:         viper.GetString("app-name"),
		Brokers:         viper.GetStringSlice("brokers"),
		Group:           viper.GetString("group"),
		TransactionalID: viper.GetString("transactional-id"),
		Input:           viper.GetString("input"),
		Output:          viper.GetString("output"),
		StateDir:        viper.GetString("state-dir"),
		MetricsListen:   viper.GetString("metrics-listen"),
		PollTimeout:     viper.GetDuration("poll-timeout"),
		AbortTimeout:    viper.GetDuration("abort-timeout"),
		RecoveryChecks:  viper.GetInt("recovery-checks"),
		LogFormat:       viper.GetString("log-format"),
		LogLevel:        viper.GetString("log-level"),
	}
	if cfg.AppName == "" {
		return cfg, errors.New("app name is required (--app-name or APP_NAME)")
	}
	if cfg.Input == "" {
		return cfg, errors.New("--input is required")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg counterConfig) error {
	log, err := klog.NewSlog(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := ktable.NewMetrics(registry, "ktable")
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []ktable.Option{
		ktable.WithAppName(cfg.AppName),
		ktable.WithBrokers(cfg.Brokers),
		ktable.WithGroup(cfg.Group),
		ktable.WithTransactionalID(cfg.TransactionalID),
		ktable.WithStateDir(cfg.StateDir),
		ktable.WithPollTimeout(cfg.PollTimeout),
		ktable.WithAbortTimeout(cfg.AbortTimeout),
		ktable.WithRecoveryChecks(cfg.RecoveryChecks),
		ktable.WithLogger(log),
		ktable.WithMetrics(metrics),
	}
	if cfg.Output != "" {
		opts = append(opts, ktable.WithProduceTopics(cfg.Output))
	}

	app, err := ktable.NewTableApp(countKeys(cfg.Output), cfg.Input, opts...)
	if err != nil {
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return app.Run(ctx)
	})
	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			log.Info("Serving metrics", "address", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return grp.Wait()
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// count is the table value kept per key.
type count struct {
	Count int64 `json:"count"`
}

// countKeys increments the count of the message key. With output set the
// new count is published there, atomically with the table update.
func countKeys(output string) ktable.TableProcessFunc {
	return func(ctx context.Context, txn *ktable.TableTransaction) error {
		var c count
		entry, err := txn.ReadTableEntry()
		switch {
		case errors.Is(err, ktable.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := entry.Into(&c); err != nil {
				return fmt.Errorf("decode count of %q: %w", txn.Key(), err)
			}
		}
		c.Count++

		if err := txn.UpdateTableEntry(c); err != nil {
			return err
		}
		if output != "" {
			value, err := ktable.Encode(c)
			if err != nil {
				return err
			}
			if err := txn.Produce(ctx, broker.Record{Topic: output, Key: txn.Key(), Value: value}); err != nil {
				return err
			}
		}
		return txn.Commit(ctx)
	}
}
