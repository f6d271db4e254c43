package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aimesh/internal/collab"
	"aimesh/internal/config"
	"aimesh/internal/contextstore"
	"aimesh/internal/intent"
	"aimesh/internal/knowledge"
	"aimesh/internal/logging"
	"aimesh/internal/mesh"
	"aimesh/internal/registry"
	"aimesh/internal/routing"
	"aimesh/internal/scaling"
	"aimesh/internal/types"
)

// serveCmd runs the mesh until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mesh: scaler, reaper, and config watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		m, err := buildMesh(cfg)
		if err != nil {
			return err
		}
		defer m.shutdown()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go m.scaler.Run(ctx)
		if err := m.store.StartReaper(cfg.Context.ReaperSchedule); err != nil {
			return err
		}
		if err := watchConfig(ctx, configPath, m.logger); err != nil {
			m.logger.Warn("config watcher unavailable", zap.Error(err))
		}

		m.logger.Info("mesh running",
			zap.String("config", configPath),
			zap.String("version", cfg.Version))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			m.logger.Info("shutting down", zap.String("signal", s.String()))
		case <-ctx.Done():
		}
		cancel()
		return nil
	},
}

// submitCmd runs one request through a locally built mesh
var submitCmd = &cobra.Command{
	Use:   "submit [content]",
	Short: "Submit a single request and print the response",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		m, err := buildMesh(cfg)
		if err != nil {
			return err
		}
		defer m.shutdown()

		taskType, _ := cmd.Flags().GetString("task")
		userID, _ := cmd.Flags().GetString("user")

		resp, err := m.orch.SubmitRequest(cmd.Context(), types.Request{
			UserID:   userID,
			TaskType: taskType,
			Content:  args[0],
			Urgency:  types.UrgencyNormal,
		})
		if err != nil {
			return err
		}

		fmt.Printf("agent:      %s\n", resp.AgentID)
		fmt.Printf("chain:      %v\n", resp.Chain)
		fmt.Printf("confidence: %.2f\n", resp.Confidence)
		if resp.LowConfidence {
			fmt.Println("warning:    no agent cleared the confidence threshold")
		}
		fmt.Printf("latency:    %s\n", resp.Latency)
		fmt.Println(resp.Content)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("task", "code_generation", "task type to route")
	submitCmd.Flags().String("user", "local", "submitting user id")
}

// runningMesh bundles the built components for lifecycle management.
type runningMesh struct {
	orch   *mesh.Orchestrator
	reg    *registry.Registry
	store  *contextstore.Store
	scaler *scaling.Scaler
	prop   *knowledge.Propagator
	facts  *knowledge.FactStore
	logger *zap.Logger
}

func (m *runningMesh) shutdown() {
	m.scaler.Stop()
	m.store.StopReaper()
	m.prop.Wait()
	_ = m.facts.Close()
}

// buildMesh wires every component from one validated config.
func buildMesh(cfg *config.Config) (*runningMesh, error) {
	sink := logging.NewZapSink(logger)

	reg := registry.New(cfg.Registry.EMAFactor, logger, sink)
	graph := intent.New(cfg.Intent.DecayLambda, cfg.Intent.RecordIncrement)

	var archive *contextstore.Archive
	if cfg.Context.ArchivePath != "" {
		var err error
		archive, err = contextstore.NewArchive(cfg.Context.ArchivePath)
		if err != nil {
			return nil, err
		}
	}
	store := contextstore.New(cfg.GetThreadTTL(), cfg.Context.MaxThreadsPerUser, archive, logger, sink)

	facts, err := knowledge.NewFactStore(cfg.Knowledge.DatabasePath)
	if err != nil {
		return nil, err
	}
	prop := knowledge.NewPropagator(facts, reg, cfg.Knowledge.NotifyConcurrency, logger, sink)

	router := routing.New(cfg, reg, graph, logger, sink)
	coord := collab.New(cfg, reg, logger, sink)

	demand := scaling.NewDemandTracker()
	scaler := scaling.New(cfg, reg, &echoFactory{}, graph, demand, logger, sink)
	router.SetKicker(scaler)

	// Seed one echo agent per configured capability so the mesh can serve
	// before the scaler's first tick.
	for _, capName := range configuredCapabilities(cfg) {
		a := newEchoAgent(capName)
		if err := reg.Register(a); err != nil {
			return nil, err
		}
		if err := reg.Transition(a.ID(), types.StateActive); err != nil {
			return nil, err
		}
	}

	orch := mesh.New(mesh.Deps{
		Config:      cfg,
		Registry:    reg,
		Router:      router,
		Intents:     graph,
		Store:       store,
		Coordinator: coord,
		Propagator:  prop,
		Demand:      demand,
		Monitor:     mesh.NewPerformanceMonitor(cfg.Registry.EMAFactor),
		Logger:      logger,
		Sink:        sink,
	})

	return &runningMesh{
		orch:   orch,
		reg:    reg,
		store:  store,
		scaler: scaler,
		prop:   prop,
		facts:  facts,
		logger: logger,
	}, nil
}

// configuredCapabilities returns the sorted union of capabilities named in
// the router's task mappings.
func configuredCapabilities(cfg *config.Config) []types.Capability {
	set := make(map[types.Capability]bool)
	for _, caps := range cfg.Router.TaskCapabilities {
		for _, c := range caps {
			set[types.Capability(c)] = true
		}
	}
	out := make([]types.Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// watchConfig watches the config file and logs validation results on change.
// Applying a changed config means restarting; the watcher only surfaces
// whether the pending file would load.
func watchConfig(ctx context.Context, path string, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					cfg, err := config.Load(path)
					if err == nil {
						err = cfg.Validate()
					}
					if err != nil {
						logger.Warn("config file changed but does not validate",
							zap.String("path", path), zap.Error(err))
						return
					}
					logger.Info("config file changed; restart to apply",
						zap.String("path", path))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
