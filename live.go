package main

import (
	"appointment-optimizer/config"
	"appointment-optimizer/controller"
	"appointment-optimizer/formatter"
	"appointment-optimizer/optimizer"
	"appointment-optimizer/parser"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newLiveCmd(a *app) *cobra.Command {
	var (
		tasksPath  string
		eventsPath string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Plan the day, then apply live events to each resource's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventsPath == "" {
				return fmt.Errorf("--events is required")
			}
			tasks, cals, err := a.loadTasks(tasksPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			ctrl := a.newController()
			defer func() {
				a.log.Info().Int("sessions", ctrl.CloseDay(a.day)).Msg("live day finished")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := ctrl.Shutdown(shutdownCtx); err != nil {
					a.log.Error().Err(err).Msg("controller shutdown")
				}
			}()

			res, err := ctrl.Plan(ctx, optimizer.Request{Tasks: tasks, Calendars: cals})
			if err != nil {
				return err
			}
			a.render(formatter.FromResult(res))
			for _, k := range ctrl.Sessions() {
				if err := ctrl.Accept(k.ResourceID, a.day); err != nil {
					return err
				}
			}

			if a.configPath != "" {
				go func() {
					err := config.Watch(ctx, a.configPath, a.log, func(cfg *config.Config) {
						ctrl.SetConfig(cfg.Controller)
						a.log.Info().Msg("controller thresholds reloaded")
					})
					if err != nil {
						a.log.Error().Err(err).Msg("config watch stopped")
					}
				}()
			}

			p := parser.NewEventParser(a.day)
			handle := func(line string) {
				rec, err := p.ParseLine(line)
				if err != nil {
					a.log.Warn().Err(err).Msg("event skipped")
					return
				}
				if rec != nil {
					a.apply(ctx, ctrl, rec)
				}
			}

			if follow {
				a.log.Info().Str("file", eventsPath).Msg("following events")
				return tail(ctx, eventsPath, a.log, handle)
			}
			file, err := os.Open(eventsPath)
			if err != nil {
				return fmt.Errorf("error opening file: %w", err)
			}
			defer file.Close()
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				handle(scanner.Text())
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "Tasks CSV file (required)")
	cmd.Flags().StringVar(&eventsPath, "events", "", "Events CSV file (required)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep reading the events file as lines are appended")
	return cmd
}

// apply feeds one event to its session and renders the update. Rejected events are logged and
// skipped so one bad line does not stop the day.
func (a *app) apply(ctx context.Context, ctrl *controller.Controller, rec *parser.EventRecord) {
	u, err := ctrl.ApplyEvent(ctx, rec.ResourceID, a.day, rec.Event)
	if err != nil {
		a.log.Warn().Err(err).Int("line", rec.Line).Str("resource", rec.ResourceID).Msg("event rejected")
		return
	}
	a.render(&formatter.Report{
		Schedule:        u.Schedule,
		Simulation:      u.Simulation,
		Recommendations: u.Recommendations,
		Unplaced:        u.Unplaced,
		Live: &formatter.LiveInfo{
			Session:     u.Key.String(),
			Event:       u.Event,
			Version:     u.Version,
			Reoptimized: u.Reoptimized,
			Reason:      u.Reason,
			Urgent:      u.Urgent,
		},
	})
}

// tail passes every complete line of path to handle, then waits for appends until ctx is done.
func tail(ctx context.Context, path string, log zerolog.Logger, handle func(string)) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	reader := bufio.NewReader(file)
	var partial strings.Builder
	drain := func() error {
		for {
			chunk, err := reader.ReadString('\n')
			partial.WriteString(chunk)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			handle(strings.TrimRight(partial.String(), "\r\n"))
			partial.Reset()
		}
	}

	if err := drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("events watcher error")
		}
	}
}
