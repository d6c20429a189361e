package main

import (
	"appointment-optimizer/config"
	"appointment-optimizer/controller"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/formatter"
	"appointment-optimizer/metrics"
	"appointment-optimizer/models"
	"appointment-optimizer/optimizer"
	"appointment-optimizer/parser"
	"appointment-optimizer/simulator"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var validFormats = map[string]bool{"text": true, "json": true, "csv": true}

// app carries what the root command prepares for its subcommands.
type app struct {
	configPath  string
	format      string
	logLevel    string
	dayFlag     string
	metricsAddr string
	pushGateway string
	wait        bool

	cfg *config.Config
	log zerolog.Logger
	day time.Time
	out io.Writer
}

func newRootCmd(version string) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "appointment-optimizer",
		Short:        "Simulate, optimize and steer appointment timelines",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a.finish(cmd)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.format, "format", "text", "Output format: text|json|csv")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (overrides the config file)")
	flags.StringVar(&a.dayFlag, "day", "", "Day to plan, YYYY-MM-DD (default: today in the configured timezone)")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Address to expose Prometheus metrics (e.g., :9090)")
	flags.StringVar(&a.pushGateway, "push-url", "", "Pushgateway URL to push metrics to (e.g., http://localhost:9091)")
	flags.BoolVar(&a.wait, "wait", false, "Keep process running after completion to allow for metric scraping")

	cmd.AddCommand(newOptimizeCmd(a))
	cmd.AddCommand(newSimulateCmd(a))
	cmd.AddCommand(newLiveCmd(a))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = version
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	if !validFormats[a.format] {
		return fmt.Errorf("format must be one of: text, json, csv (got: %s)", a.format)
	}
	a.out = cmd.OutOrStdout()

	a.cfg = config.Default()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	level := a.cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	log, err := newLogger(cmd.ErrOrStderr(), level, a.cfg.Logging.Format)
	if err != nil {
		return err
	}
	a.log = log

	loc := a.cfg.Location()
	if a.dayFlag == "" {
		now := time.Now().In(loc)
		a.day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	} else {
		a.day, err = time.ParseInLocation(time.DateOnly, a.dayFlag, loc)
		if err != nil {
			return fmt.Errorf("day: %w", err)
		}
	}

	if a.metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			a.log.Info().Str("addr", a.metricsAddr).Msg("metrics server listening")
			if err := http.ListenAndServe(a.metricsAddr, nil); err != nil {
				a.log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	return nil
}

func (a *app) finish(cmd *cobra.Command) {
	if a.pushGateway != "" {
		jobName := "appointment_optimizer"
		if err := push.New(a.pushGateway, jobName).Gatherer(metrics.Registry).Push(); err != nil {
			a.log.Error().Err(err).Msg("push to pushgateway failed")
		} else {
			a.log.Info().Msg("metrics pushed to pushgateway")
		}
	}

	if a.wait && a.metricsAddr != "" {
		a.log.Info().Msg("process kept alive for metric scraping, press Ctrl+C to exit")
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case <-c:
		case <-cmd.Context().Done():
		}
	} else if a.metricsAddr != "" && a.pushGateway == "" {
		// small delay to allow a final scrape
		time.Sleep(100 * time.Millisecond)
	}
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func (a *app) components() (*simulator.Simulator, *optimizer.Optimizer, *fatigue.Estimator) {
	sim := simulator.New(a.cfg.Simulator)
	opt := optimizer.New(a.cfg.Optimizer, sim, optimizer.WithLogger(a.log.With().Str("component", "optimizer").Logger()))
	return sim, opt, fatigue.New(a.cfg.Fatigue)
}

func (a *app) newController() *controller.Controller {
	sim, opt, est := a.components()
	return controller.New(a.cfg.Controller, opt, sim, est,
		controller.WithLogger(a.log.With().Str("component", "controller").Logger()))
}

// loadTasks reads the tasks file and the calendars of the selected day.
func (a *app) loadTasks(path string) ([]models.Task, []models.ResourceCalendar, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("--tasks is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	tasks, err := parser.ParseTasks(file, a.day)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing file: %w", err)
	}
	cals, err := a.cfg.CalendarsFor(a.day)
	if err != nil {
		return nil, nil, err
	}
	if len(cals) == 0 {
		return nil, nil, fmt.Errorf("no calendars configured")
	}
	return tasks, cals, nil
}

func (a *app) render(r *formatter.Report) {
	switch a.format {
	case "json":
		fmt.Fprintln(a.out, formatter.FormatJSON(r))
	case "csv":
		fmt.Fprint(a.out, formatter.FormatCSV(r))
	default: // "text"
		fmt.Fprint(a.out, formatter.FormatText(r))
	}
}

func newOptimizeCmd(a *app) *cobra.Command {
	var (
		tasksPath string
		budget    time.Duration
		pins      []string
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize a day's appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, cals, err := a.loadTasks(tasksPath)
			if err != nil {
				return err
			}
			pinned, err := parsePins(pins, a.day)
			if err != nil {
				return err
			}
			_, opt, _ := a.components()
			res, err := opt.Optimize(cmd.Context(), optimizer.Request{
				Tasks:     tasks,
				Calendars: cals,
				Budget:    budget,
				Pins:      pinned,
			})
			if err != nil {
				return err
			}
			a.render(formatter.FromResult(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "Tasks CSV file (required)")
	cmd.Flags().DurationVar(&budget, "budget", 0, "Time budget (default from config)")
	cmd.Flags().StringArrayVar(&pins, "pin", nil, "Pin a task: TASK=RESOURCE@HH:MM (repeatable)")
	return cmd
}

func newSimulateCmd(a *app) *cobra.Command {
	var tasksPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a day's appointments and report delays",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, cals, err := a.loadTasks(tasksPath)
			if err != nil {
				return err
			}
			sim, opt, _ := a.components()
			sched, res, err := sim.Apply(models.NewSchedule(models.CalendarSpan(cals), cals, tasks), nil)
			if err != nil {
				return err
			}
			metrics.SimulationsTotal.Inc()
			recs, err := opt.Recommend(cmd.Context(), sched, nil, time.Time{})
			if err != nil {
				return err
			}
			a.render(&formatter.Report{Schedule: sched, Simulation: res, Recommendations: recs})
			return nil
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "Tasks CSV file (required)")
	return cmd
}

// parsePins reads TASK=RESOURCE@HH:MM pins on the given day.
func parsePins(values []string, day time.Time) (map[string]models.Slot, error) {
	if len(values) == 0 {
		return nil, nil
	}
	pins := make(map[string]models.Slot, len(values))
	for _, v := range values {
		taskID, rest, ok := strings.Cut(v, "=")
		resource, clock, ok2 := strings.Cut(rest, "@")
		if !ok || !ok2 || taskID == "" || resource == "" {
			return nil, fmt.Errorf("pin %q: want TASK=RESOURCE@HH:MM", v)
		}
		t, err := time.ParseInLocation("15:04", clock, day.Location())
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", v, err)
		}
		pins[taskID] = models.Slot{
			ResourceID: resource,
			Start:      time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()),
		}
	}
	return pins, nil
}
