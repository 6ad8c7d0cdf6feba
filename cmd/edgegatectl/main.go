// Command edgegatectl is the engine's operator CLI: rotate signing
// keys, trigger a pipeline run outside of the HTTP edge, and verify a
// fetched evidence bundle's signature offline. Exit codes follow
// spec.md §6 exactly: 0 success, 2 config/input error, 3 policy-limit
// exceeded, 4 transient upstream failure.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/collaborators"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/runengine"
	"github.com/edgegate/edgegate/pkg/artifactstore"
	"github.com/edgegate/edgegate/pkg/devicecloud"
	"github.com/edgegate/edgegate/pkg/devicecloud/aihub"
	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/notification"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	exitSuccess           = 0
	exitConfigOrInputErr  = 2
	exitPolicyLimit       = 3
	exitTransientUpstream = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigOrInputErr)
	}

	var code int
	switch os.Args[1] {
	case "rotate-keys":
		code = runRotateKeys(os.Args[2:])
	case "run":
		code = runPipeline(os.Args[2:])
	case "verify-bundle":
		code = runVerifyBundle(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "edgegatectl: unknown subcommand %q\n", os.Args[1])
		usage()
		code = exitConfigOrInputErr
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: edgegatectl <subcommand> [flags]

subcommands:
  rotate-keys    rotate the KMS signing key
  run            trigger a pipeline run and wait for a terminal status
  verify-bundle  verify a fetched evidence bundle's signature offline`)
}

func runRotateKeys(args []string) int {
	fs := flag.NewFlagSet("rotate-keys", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the engine's YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return exitConfigOrInputErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: %v\n", err)
		return exitConfigOrInputErr
	}

	km, err := kms.NewLocalKMS(cfg.KMS.MasterKeyBase64, cfg.KMS.SigningKeysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to initialize kms: %v\n", err)
		return exitConfigOrInputErr
	}

	newKeyID, err := km.Rotate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: rotate failed: %v\n", err)
		return exitTransientUpstream
	}

	fmt.Printf("rotated: new signing key %s\n", newKeyID)
	return exitSuccess
}

func runVerifyBundle(args []string) int {
	fs := flag.NewFlagSet("verify-bundle", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the engine's YAML configuration file")
	bundlePath := fs.String("bundle", "", "path to a bundle JSON file fetched from the engine")
	if err := fs.Parse(args); err != nil {
		return exitConfigOrInputErr
	}
	if *bundlePath == "" {
		fmt.Fprintln(os.Stderr, "edgegatectl: -bundle is required")
		return exitConfigOrInputErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: %v\n", err)
		return exitConfigOrInputErr
	}

	data, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to read bundle: %v\n", err)
		return exitConfigOrInputErr
	}

	bundle, err := evidence.Unmarshal(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: malformed bundle: %v\n", err)
		return exitConfigOrInputErr
	}

	km, err := kms.NewLocalKMS(cfg.KMS.MasterKeyBase64, cfg.KMS.SigningKeysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to initialize kms: %v\n", err)
		return exitConfigOrInputErr
	}

	ok, err := evidence.Verify(km, bundle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: verify error: %v\n", err)
		return exitTransientUpstream
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "signature INVALID")
		return exitConfigOrInputErr
	}

	fmt.Println("signature OK")
	return exitSuccess
}

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the engine's YAML configuration file")
	workspaceID := fs.String("workspace", "", "workspace id")
	pipelineID := fs.String("pipeline", "", "pipeline id")
	pipelineName := fs.String("pipeline-name", "", "pipeline name, recorded on the run")
	modelArtifactID := fs.String("model-artifact", "", "model artifact id")
	modelSHA256 := fs.String("model-sha256", "", "model artifact sha256")
	promptpackID := fs.String("promptpack", "", "promptpack id")
	timeoutMinutes := fs.Int("timeout-minutes", 20, "maximum minutes to wait for a terminal status")
	if err := fs.Parse(args); err != nil {
		return exitConfigOrInputErr
	}

	if *workspaceID == "" || *pipelineID == "" || *modelArtifactID == "" || *modelSHA256 == "" || *promptpackID == "" {
		fmt.Fprintln(os.Stderr, "edgegatectl: -workspace, -pipeline, -model-artifact, -model-sha256, and -promptpack are required")
		return exitConfigOrInputErr
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: %v\n", err)
		return exitConfigOrInputErr
	}

	logger := zap.NewNop()
	legacyLogger := logrus.New()
	legacyLogger.SetLevel(logrus.WarnLevel)

	dbConfig := database.DefaultConfig()
	dbConfig.Host = cfg.Database.Host
	dbConfig.Port = cfg.Database.Port
	dbConfig.User = cfg.Database.User
	dbConfig.Password = cfg.Database.Password
	dbConfig.Database = cfg.Database.Name
	dbConfig.SSLMode = cfg.Database.SSLMode

	sqlxDB, err := database.Connect(dbConfig, legacyLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to connect to database: %v\n", err)
		return exitTransientUpstream
	}
	defer func() { _ = sqlxDB.Close() }()

	km, err := kms.NewLocalKMS(cfg.KMS.MasterKeyBase64, cfg.KMS.SigningKeysDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to initialize kms: %v\n", err)
		return exitConfigOrInputErr
	}

	pipelines := collaborators.NewPipelineRepository(sqlxDB, km, logger)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMinutes)*time.Minute)
	defer cancel()

	spec, err := pipelines.LoadPipeline(ctx, *workspaceID, *pipelineID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to load pipeline: %v\n", err)
		return exitConfigOrInputErr
	}
	if len(spec.Devices) > cfg.Limits.DevicesPerRunMax {
		fmt.Fprintf(os.Stderr, "edgegatectl: pipeline requests %d devices, exceeding the configured cap of %d\n", len(spec.Devices), cfg.Limits.DevicesPerRunMax)
		return exitPolicyLimit
	}
	if spec.MeasurementRepeats > cfg.Limits.MeasurementRepeatsMax {
		fmt.Fprintf(os.Stderr, "edgegatectl: pipeline requests %d measurement repeats, exceeding the configured cap of %d\n", spec.MeasurementRepeats, cfg.Limits.MeasurementRepeatsMax)
		return exitPolicyLimit
	}

	promptpacks := collaborators.NewPromptpackRepository(sqlxDB)
	integrations := collaborators.NewIntegrationResolver(sqlxDB, km)

	backend, err := artifactstore.NewLocalFileBackend(artifactStorageRoot())
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to initialize artifact storage: %v\n", err)
		return exitConfigOrInputErr
	}
	artifactRepo := artifactstore.NewRepository(sqlxDB.DB, logger)
	artifacts := artifactstore.NewStore(backend, artifactRepo, artifactstore.SizeCaps{
		artifactstore.KindModel:  cfg.Limits.ModelUploadSizeBytes,
		artifactstore.KindBundle: cfg.Limits.BundleSizeBytes,
	}, logger, nil)

	var deviceClient devicecloud.Client
	if cfg.DeviceCloud.UseMock {
		deviceClient = aihub.NewMockClient()
	} else {
		deviceClient = aihub.NewClient(cfg.DeviceCloud.BaseURL, time.Duration(cfg.DeviceCloud.TimeoutSeconds)*time.Second)
	}

	runs := runengine.NewRunRepository(sqlxDB, logger)
	orchestrator := runengine.NewOrchestrator(runs, deviceClient, artifacts, km, pipelines, promptpacks, integrations, logger)
	if cfg.Notification.WebhookURL != "" {
		orchestrator.SetNotifier(notification.NewSlackService(cfg.Notification.WebhookURL, cfg.Notification.APIToken))
	}

	run := &runengine.Run{
		Trigger:      "manual",
		PipelineName: *pipelineName,
	}
	ids, err := parseRunIDs(*workspaceID, *pipelineID, *modelArtifactID, *promptpackID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: %v\n", err)
		return exitConfigOrInputErr
	}
	run.WorkspaceID = ids[0]
	run.PipelineID = ids[1]
	run.ModelArtifactID = ids[2]
	run.PromptpackID = ids[3]
	run.ModelSHA256 = *modelSHA256

	created, err := runs.Create(ctx, run, "edgegatectl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegatectl: failed to create run: %v\n", err)
		return exitConfigOrInputErr
	}

	for !created.Status.Terminal() {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "edgegatectl: timed out waiting for a terminal status")
			return exitTransientUpstream
		default:
		}
		if err := orchestrator.Advance(ctx, created); err != nil {
			fmt.Fprintf(os.Stderr, "edgegatectl: advance failed: %v\n", err)
			return exitTransientUpstream
		}
	}

	summary, _ := json.MarshalIndent(map[string]interface{}{
		"run_id": created.ID,
		"status": created.Status,
	}, "", "  ")
	fmt.Println(string(summary))

	switch created.Status {
	case runengine.StatusPassed:
		return exitSuccess
	case runengine.StatusFailed:
		// The run completed; its gates rejected the model. Distinct
		// from a config/input error, closest to "policy" in the
		// exit-code table.
		return exitPolicyLimit
	default:
		return exitTransientUpstream
	}
}

func parseRunIDs(raw ...string) ([4]uuid.UUID, error) {
	var parsed [4]uuid.UUID
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return parsed, fmt.Errorf("invalid id %q: %w", s, err)
		}
		parsed[i] = id
	}
	return parsed, nil
}

func artifactStorageRoot() string {
	if root := os.Getenv("ARTIFACT_STORAGE_ROOT"); root != "" {
		return root
	}
	return "/var/lib/edgegate/artifacts"
}

