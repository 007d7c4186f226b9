package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yunusemreyildiz/yeytest/internal/artifact"
	"github.com/yunusemreyildiz/yeytest/internal/budget"
	"github.com/yunusemreyildiz/yeytest/internal/compare"
	"github.com/yunusemreyildiz/yeytest/internal/flow"
	"github.com/yunusemreyildiz/yeytest/internal/healing"
	"github.com/yunusemreyildiz/yeytest/internal/maestro"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/ocr"
	"github.com/yunusemreyildiz/yeytest/internal/policy"
	"github.com/yunusemreyildiz/yeytest/internal/runner"
	"github.com/yunusemreyildiz/yeytest/internal/signature"
	"github.com/yunusemreyildiz/yeytest/internal/store"
	"github.com/yunusemreyildiz/yeytest/internal/verdict"
	"github.com/yunusemreyildiz/yeytest/internal/vision"
)

var (
	runDevice      string
	runAllDevices  bool
	runLevel       string
	runNoHeal      bool
	runBudget      int
	runStorePath   string
	runArtifactDir string
)

// runCmd executes one or more flow files against connected devices.
var runCmd = &cobra.Command{
	Use:   "run <flow.yaml> [flow.yaml ...]",
	Short: "Run test flows with validation and self-healing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runDevice, "device", "d", "", "Device id (default: the single connected device)")
	runCmd.Flags().BoolVar(&runAllDevices, "all-devices", false, "Run every flow on every connected device")
	runCmd.Flags().StringVar(&runLevel, "level", "", "Validation level override (none, local, ai, hybrid)")
	runCmd.Flags().BoolVar(&runNoHeal, "no-heal", false, "Disable the self-healing retry loop")
	runCmd.Flags().IntVar(&runBudget, "budget", -1, "AI cost-unit ceiling per run (0 = unlimited)")
	runCmd.Flags().StringVar(&runStorePath, "store", "", "Result database path")
	runCmd.Flags().StringVar(&runArtifactDir, "artifacts", "", "Artifact directory")
}

func runRun(cmd *cobra.Command, args []string) error {
	applyRunFlags()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cases := make([]*model.TestCase, 0, len(args))
	for _, path := range args {
		tc, err := flow.Load(path)
		if err != nil {
			return err
		}
		cases = append(cases, tc)
	}

	executor, err := maestro.NewWithConfig(maestro.Config{
		Binary:      cfg.Maestro.Binary,
		ADB:         cfg.Maestro.ADB,
		Xcrun:       cfg.Maestro.Xcrun,
		StepTimeout: cfg.GetStepTimeout(),
	})
	if err != nil {
		return err
	}
	if err := executor.Preflight(ctx); err != nil {
		return err
	}

	devices, err := resolveDevices(ctx, executor)
	if err != nil {
		return err
	}

	pipe, err := buildPipeline(ctx, executor)
	if err != nil {
		return err
	}

	if runAllDevices && len(devices) > 1 {
		// The suite scheduler hands case i to device i%N, so repeating
		// each flow N consecutive times lands it on every device.
		expanded := make([]*model.TestCase, 0, len(cases)*len(devices))
		for _, tc := range cases {
			for range devices {
				expanded = append(expanded, tc)
			}
		}
		cases = expanded
	}

	results, suiteErr := pipe.RunSuite(ctx, cases, devices)

	failed := 0
	ran := 0
	for _, run := range results {
		if run == nil {
			continue
		}
		ran++
		fmt.Println(renderRunSummary(run))
		if !run.Passed() {
			failed++
		}
	}
	saveResults(results)

	if suiteErr != nil {
		return suiteErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, ran)
	}
	return nil
}

// applyRunFlags layers command-line overrides onto the loaded config.
func applyRunFlags() {
	if runLevel != "" {
		cfg.Validation.Level = runLevel
	}
	if runBudget >= 0 {
		cfg.AI.Budget = runBudget
	}
	if runNoHeal {
		cfg.Healing.Enabled = false
	}
	if runDevice != "" {
		cfg.Maestro.Device = runDevice
	}
	if runStorePath != "" {
		cfg.Store.Path = runStorePath
	}
	if runArtifactDir != "" {
		cfg.Artifacts.Dir = runArtifactDir
	}
}

// resolveDevices picks the run targets: every connected device with
// --all-devices, the configured device when set, otherwise the single
// connected device.
func resolveDevices(ctx context.Context, executor *maestro.Executor) ([]string, error) {
	if runAllDevices {
		devices, err := executor.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no connected devices")
		}
		return devices, nil
	}
	if cfg.Maestro.Device != "" {
		return []string{cfg.Maestro.Device}, nil
	}
	devices, err := executor.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no connected devices")
	case 1:
		return devices, nil
	default:
		return nil, fmt.Errorf("%d devices connected; pick one with --device or pass --all-devices", len(devices))
	}
}

// buildProvider resolves the escalation provider from the loaded
// config. Validate has already required credentials for escalating
// levels, so an error here only matters to callers that need AI.
func buildProvider() (vision.Provider, error) {
	pc := &vision.ProviderConfig{
		Provider: vision.ProviderName(cfg.AI.Provider),
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
	}
	if pc.APIKey == "" {
		return nil, fmt.Errorf("no API key found; set one of: ANTHROPIC_API_KEY, GEMINI_API_KEY, GOOGLE_API_KEY")
	}
	if pc.Provider == "" {
		detected, err := vision.DetectProvider()
		if err != nil {
			return nil, err
		}
		pc.Provider = detected.Provider
	}
	return vision.NewProviderFromConfig(pc)
}

// buildPipeline assembles the execution stack from the loaded config:
// local detectors, optional AI escalation, optional repairer, artifact
// store, and the step runner.
func buildPipeline(ctx context.Context, executor runner.StepRunner) (*runner.Pipeline, error) {
	local := policy.NewSignalEvaluator(
		compare.New(cfg.Validation.NoiseTolerance),
		ocr.NewTesseract(),
		signature.DefaultDetector(),
		verdict.New(cfg.Validation.NoChangeThreshold),
	)

	var (
		ai     policy.AIClient
		repair healing.RepairProvider
	)
	provider, err := buildProvider()
	if err != nil {
		if cfg.Level().CanEscalate() {
			return nil, err
		}
		logger.Debug("no AI provider, running local-only", zap.Error(err))
	}
	if provider != nil {
		clientCfg := vision.DefaultClientConfig()
		clientCfg.Timeout = cfg.GetAITimeout()
		ai = vision.NewClientWithConfig(provider, clientCfg)
		if completer, ok := provider.(vision.Completer); ok && cfg.Healing.Enabled {
			repair = healing.NewModelRepairer(completer)
		}
	}

	artifacts, err := buildArtifactStore(ctx)
	if err != nil {
		return nil, err
	}

	pol := policy.New(local, ai, budget.NewMeter(cfg.AI.Budget), policy.Config{
		Level:           cfg.Level(),
		AcceptThreshold: cfg.Validation.AcceptThreshold,
	})

	return runner.New(executor, pol, repair, artifacts, runner.Config{
		Healing:      cfg.Healing.Enabled,
		HealAttempts: cfg.Healing.MaxAttempts,
	}), nil
}

// buildArtifactStore selects the object-store archive when enabled,
// the local directory store otherwise.
func buildArtifactStore(ctx context.Context) (artifact.Store, error) {
	if cfg.Artifacts.Minio.Enabled {
		ms, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Artifacts.Minio.Endpoint,
			AccessKey: cfg.Artifacts.Minio.AccessKey,
			SecretKey: cfg.Artifacts.Minio.SecretKey,
			Bucket:    cfg.Artifacts.Minio.Bucket,
			UseSSL:    cfg.Artifacts.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("minio artifact store: %w", err)
		}
		return ms, nil
	}
	return artifact.NewDirStore(cfg.Artifacts.Dir), nil
}

// saveResults persists finished runs. A store failure degrades to a
// warning so the terminal verdicts are never lost to a disk problem.
func saveResults(results []*model.RunResult) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Warn("result store unavailable", zap.Error(err))
		return
	}
	defer s.Close()

	for _, run := range results {
		if run == nil {
			continue
		}
		if err := s.SaveRun(run); err != nil {
			logger.Warn("failed to save run", zap.String("run", run.ID), zap.Error(err))
		}
	}
}
