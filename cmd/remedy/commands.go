package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/remediate-run/remedy/internal/config"
	"github.com/remediate-run/remedy/internal/jobstore"
	"github.com/remediate-run/remedy/internal/models"
	"github.com/remediate-run/remedy/internal/remote"
	"github.com/remediate-run/remedy/internal/stream"
	"github.com/remediate-run/remedy/internal/tracker"
)

// session bundles everything a command needs and tears it down afterwards.
type session struct {
	cfg     config.Config
	tracker *tracker.Tracker
	client  *remote.Client
	store   *jobstore.Store
}

func newSession() (*session, error) {
	cfg := runtimeCfg.Current()

	client := remote.NewClient(remote.Config{
		BaseURL: cfg.BackendURL,
		Token:   cfg.APIToken,
	})

	trkCfg := tracker.Config{
		Poller: tracker.PollerConfig{
			Interval:    cfg.PollInterval(),
			MaxAttempts: cfg.PollMaxAttempts,
			MaxElapsed:  cfg.PollMaxElapsed,
		},
		AutoRetryConfidence: cfg.AutoRetryConfidence,
		AutoRetryDelay:      cfg.AutoRetryDelay,
		MaxRetries:          cfg.MaxRetries,
		MaxConcurrent:       cfg.MaxConcurrent,
		Operator:            cfg.Operator,
	}
	trk := tracker.New(client, trkCfg)

	store, err := jobstore.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		trk.Close()
		return nil, fmt.Errorf("open recovery cache: %w", err)
	}
	trk.SetPersister(store)

	return &session{cfg: cfg, tracker: trk, client: client, store: store}, nil
}

func (s *session) close() {
	s.tracker.Close()
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing recovery cache failed")
	}
}

// resume seeds the tracker from the recovery cache.
func (s *session) resume(batchID string) error {
	job, results, err := s.store.Load(batchID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("batch %s not found in local cache", batchID)
	}
	s.tracker.Resume(job, results)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var submitCmd = &cobra.Command{
	Use:   "submit <issues.json>",
	Short: "Submit flagged issues as a batch fix and watch it complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		autoOnly, _ := cmd.Flags().GetBool("auto")

		issues, err := readIssues(args[0])
		if err != nil {
			return err
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := signalContext()
		defer cancel()

		s.tracker.AddIssues(issues)

		fixCfg := models.FixConfig{
			DryRun:          dryRun,
			RollbackOnError: true,
			ResourceLimits: models.ResourceLimits{
				MaxConcurrent: int(s.cfg.MaxConcurrent),
				TimeoutMs:     int(s.cfg.PollMaxElapsed / time.Millisecond),
			},
		}

		var op *tracker.Operation
		if autoOnly {
			op, err = s.tracker.AutoFix(ctx, fixCfg)
		} else {
			ids := make([]string, 0, len(issues))
			for _, issue := range issues {
				ids = append(ids, issue.ID)
			}
			op, err = s.tracker.Submit(ctx, ids, fixCfg)
		}
		if err != nil {
			return err
		}

		<-op.Done()
		snap := op.Snapshot()
		if snap.Status != models.OperationCompleted {
			return fmt.Errorf("submission %s: %s", snap.Status, snap.Error)
		}
		if snap.Affected == 0 {
			fmt.Println("No issues matched, nothing submitted")
			return nil
		}
		return watchLoop(ctx, s)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <batch-id>",
	Short: "Resume tracking a batch until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.resume(args[0]); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return watchLoop(ctx, s)
	},
}

// watchLoop renders snapshots until the job is terminal. Push attaches
// alongside polling when requested; both feed the same store.
func watchLoop(ctx context.Context, s *session) error {
	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr, s.tracker)
	}

	if flagEnvFile != "" {
		w, err := config.NewWatcher(runtimeCfg, flagEnvFile, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	if flagPush && s.cfg.PushURL != "" {
		pushClient := stream.NewClient(
			stream.Config{URL: s.cfg.PushURL, ReconnectDelay: s.cfg.ReconnectDelay},
			stream.ApplierFunc(func(u models.Update) bool {
				return s.tracker.ApplyUpdate(u).Terminal
			}),
			log.Logger,
		)
		go func() {
			if err := pushClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Push channel ended")
			}
		}()
		defer pushClient.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.tracker.OnChange():
		}

		snap := s.tracker.Snapshot()
		printSnapshot(snap)
		if snap.Job != nil && snap.Job.Status.Terminal() {
			if err := s.tracker.Acknowledge(); err != nil {
				log.Warn().Err(err).Msg("Could not discard recovery cache entry")
			}
			return nil
		}
	}
}

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Print the last known state of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.resume(args[0]); err != nil {
			return err
		}
		printSnapshot(s.tracker.Snapshot())
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Cancel a running batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.resume(args[0]); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		if err := s.tracker.CancelBatch(ctx); err != nil {
			return err
		}
		fmt.Println("Batch cancelled")
		return nil
	},
}

func issueOpCommand(use, short string, run func(ctx context.Context, s *session, ids []string) (*tracker.Operation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.resume(args[0]); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			op, err := run(ctx, s, args[1:])
			if err != nil {
				return err
			}
			<-op.Done()
			snap := op.Snapshot()
			if snap.Status != models.OperationCompleted {
				return fmt.Errorf("operation %s: %s", snap.Status, snap.Error)
			}
			fmt.Printf("%s completed, %d issue(s) affected\n", snap.Type.Label(), snap.Affected)
			return nil
		},
	}
}

var retryCmd = issueOpCommand(
	"retry <batch-id> <issue-id>...",
	"Retry failed fixes",
	func(ctx context.Context, s *session, ids []string) (*tracker.Operation, error) {
		return s.tracker.Retry(ctx, ids)
	},
)

var rollbackCmd = issueOpCommand(
	"rollback <batch-id> <issue-id>...",
	"Roll back completed fixes",
	func(ctx context.Context, s *session, ids []string) (*tracker.Operation, error) {
		return s.tracker.Rollback(ctx, ids)
	},
)

var ignoreCmd = issueOpCommand(
	"ignore <batch-id> <issue-id>...",
	"Exclude issues from active tracking",
	func(ctx context.Context, s *session, ids []string) (*tracker.Operation, error) {
		return s.tracker.Ignore(ctx, ids)
	},
)

var approveCmd = issueOpCommand(
	"approve <batch-id> <issue-id>...",
	"Approve fixes that are gated behind an approval step",
	func(ctx context.Context, s *session, ids []string) (*tracker.Operation, error) {
		return s.tracker.Approve(ctx, ids)
	},
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <batch-id> <issue-id> <rfc3339-time>",
	Short: "Schedule a fix for a future time",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := time.Parse(time.RFC3339, args[2])
		if err != nil {
			return fmt.Errorf("parse schedule time: %w", err)
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.resume(args[0]); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		op, err := s.tracker.Schedule(ctx, []string{args[1]}, at)
		if err != nil {
			return err
		}
		<-op.Done()
		snap := op.Snapshot()
		if snap.Status != models.OperationCompleted {
			return fmt.Errorf("schedule %s: %s", snap.Status, snap.Error)
		}
		fmt.Printf("Fix scheduled for %s\n", at.Format(time.RFC3339))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Export batch results via the backend exporter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := signalContext()
		defer cancel()

		data, err := s.client.ExportResults(ctx, args[0], format)
		if err != nil {
			return err
		}
		if out == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(out, data, 0644)
	},
}

func init() {
	submitCmd.Flags().Bool("dry-run", false, "submit the batch as a dry run")
	submitCmd.Flags().Bool("auto", false, "submit only auto-fixable, approval-free pending issues")
	exportCmd.Flags().String("format", "json", "export format")
	exportCmd.Flags().String("out", "", "write to file instead of stdout")
}

func readIssues(path string) ([]models.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issues file: %w", err)
	}
	var issues []models.Issue
	if err := json.Unmarshal(data, &issues); err != nil {
		return nil, fmt.Errorf("decode issues file: %w", err)
	}
	return issues, nil
}

func printSnapshot(snap tracker.TrackerSnapshot) {
	if snap.Job == nil {
		fmt.Println("No batch submitted yet")
		return
	}
	j := snap.Job
	fmt.Printf("[%s] %s  %.0f%%  completed=%d failed=%d total=%d  success=%.0f%% risk=%.0f\n",
		j.BatchID, j.Status.Label(), j.Progress,
		j.CompletedFixes, j.FailedFixes, j.TotalFixes,
		snap.Stats.SuccessRate, snap.Stats.RiskScore)
	for _, r := range snap.Results {
		if r.Status == models.FixStatusFailed && r.Error != "" {
			fmt.Printf("  ! %s: %s\n", r.IssueID, r.Error)
		}
	}
}

func serveMetrics(addr string, trk *tracker.Tracker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(trk.Metrics().Registry(), promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}
