package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/client"
	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/types"
)

// Doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run runtime preflight checks",
	Long: `Check whether this host can run labs on the configured runtime.

By default the checks run locally against the OCTOLAB_* environment,
which works before the server has ever started. With --remote the
report comes from the running server instead.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	rawKind, _ := cmd.Flags().GetString("runtime")
	remote, _ := cmd.Flags().GetBool("remote")

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var report *types.DoctorReport
	if remote {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		wire, err := c.Doctor(ctx, rawKind)
		if err != nil {
			return err
		}
		report = doctorReportFromWire(wire)
	} else {
		cfg := config.Load()
		kind := cfg.RuntimeKind()
		if rawKind != "" {
			parsed, err := runtime.ParseKind(rawKind)
			if err != nil {
				return err
			}
			kind = parsed
		}
		if kind == "" {
			return fmt.Errorf("no runtime selected: set OCTOLAB_RUNTIME or pass --runtime")
		}
		report = runtime.NewDoctor(cfg, runtime.NewRunner()).Check(ctx, kind)
	}

	printDoctorReport(report)
	if !report.OK {
		return fmt.Errorf("runtime %s is not ready", report.Runtime)
	}
	return nil
}

func doctorReportFromWire(wire *client.DoctorReport) *types.DoctorReport {
	checks := make([]types.DoctorCheck, len(wire.Checks))
	for i, c := range wire.Checks {
		checks[i] = types.DoctorCheck{
			Name:     c.Name,
			Severity: types.CheckSeverity(c.Severity),
			OK:       c.OK,
			Detail:   c.Detail,
			Hint:     c.Hint,
		}
	}
	return &types.DoctorReport{
		Runtime:   wire.Runtime,
		OK:        wire.OK,
		CheckedAt: wire.CheckedAt,
		Checks:    checks,
	}
}

func printDoctorReport(report *types.DoctorReport) {
	fmt.Printf("Runtime doctor: %s\n\n", report.Runtime)

	for _, check := range report.Checks {
		symbol := "✓"
		if !check.OK {
			symbol = "✗"
			if check.Severity != types.SeverityFatal {
				symbol = "!"
			}
		}
		fmt.Printf("  %s %-18s %s\n", symbol, check.Name, check.Detail)
		if !check.OK && check.Hint != "" {
			fmt.Printf("      hint: %s\n", check.Hint)
		}
	}

	fmt.Println()
	if report.OK {
		fmt.Println("Result: READY")
	} else {
		fatal := 0
		for _, check := range report.Checks {
			if !check.OK && check.Severity == types.SeverityFatal {
				fatal++
			}
		}
		fmt.Printf("Result: NOT READY (%d fatal checks failed)\n", fatal)
	}
}

// Runtime commands
var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Inspect or override the active runtime",
}

var runtimeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the runtime new labs provision on",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		status, err := c.Runtime(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Runtime: %s\n", status.Runtime)
		if status.Overridden {
			fmt.Println("Overridden: yes (reverts to the configured runtime on restart)")
		}
		return nil
	},
}

var runtimeOverrideCmd = &cobra.Command{
	Use:   "override [compose|microvm|noop]",
	Short: "Pin new labs to a different runtime",
	Long: `Override the runtime new labs provision on. The target backend must
pass its preflight; labs already running keep the runtime they started
with. The override lives in memory only and reverts on restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		status, err := c.OverrideRuntime(ctx, args[0], actor)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Runtime pinned to %s\n", status.Runtime)
		return nil
	},
}

// Retention command
var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Purge evidence past its retention window",
	Long: `Sweep finalized labs whose evidence retention window has passed and
purge their artifacts through the lab's own backend. Dry run by
default; pass --execute to purge.`,
	RunE: runRetention,
}

func runRetention(cmd *cobra.Command, args []string) error {
	days := config.Load().RetentionDays
	if cmd.Flags().Changed("days") {
		days, _ = cmd.Flags().GetInt("days")
	}
	execute, _ := cmd.Flags().GetBool("execute")
	limit, _ := cmd.Flags().GetInt("limit")

	c, err := apiClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	report, err := c.RunRetention(ctx, client.RetentionRequest{
		OlderThanHours: days * 24,
		Execute:        execute,
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Println("Retention sweep (dry run)")
	} else {
		fmt.Println("Retention sweep")
	}
	for _, cand := range report.Candidates {
		fmt.Printf("  %-38s %-9s evidence %-12s finalized %s\n",
			cand.LabID, cand.Status, cand.State, cand.FinalizedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nCandidates: %d  Purged: %d  Artifacts removed: %d  Errors: %d\n",
		len(report.Candidates), report.Purged, report.Removed, report.Errors)
	if report.DryRun && len(report.Candidates) > 0 {
		fmt.Println("Run with --execute to purge.")
	}
	if report.Errors > 0 {
		return fmt.Errorf("retention finished with %d errors", report.Errors)
	}
	return nil
}

// GC command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect expired labs and orphaned resources",
	Long: `Run one garbage collection pass: expired labs move to teardown,
provisioning rows orphaned by a crash are failed honestly, and with
--include-volumes the engine is swept for lab volumes nothing owns.`,
	RunE: runGC,
}

func runGC(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	includeVolumes, _ := cmd.Flags().GetBool("include-volumes")

	c, err := apiClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	report, err := c.RunGC(ctx, client.GCRequest{
		DryRun:         dryRun,
		IncludeVolumes: includeVolumes,
	})
	if err != nil {
		return err
	}

	if report.DryRun {
		fmt.Println("GC pass (dry run)")
	} else {
		fmt.Println("GC pass")
	}
	printGCList("Expired labs", report.ExpiredLabs)
	printGCList("Stale provisioning rows", report.StaleLabs)
	printGCList("Orphan volumes", report.OrphanVolumes)
	printGCList("Pruned bundles", report.PrunedBundles)
	fmt.Printf("Errors: %d\n", report.Errors)

	if report.Errors > 0 {
		return fmt.Errorf("gc finished with %d errors", report.Errors)
	}
	return nil
}

func printGCList(label string, entries []string) {
	fmt.Printf("  %s: %d\n", label, len(entries))
	for _, entry := range entries {
		fmt.Printf("    %s\n", entry)
	}
}

// Watchdog command
var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Force out labs stuck in teardown",
	Long: `Inspect labs stuck in ENDING longer than the cutoff and either force
another teardown attempt (--action force) or mark them FAILED without
one (--action fail). Claimed rows are skipped; a stuck claim expires on
its own first.`,
	RunE: runWatchdog,
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	labID, _ := cmd.Flags().GetString("lab-id")
	olderThan, _ := cmd.Flags().GetInt("older-than-minutes")
	maxLabs, _ := cmd.Flags().GetInt("max-labs")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	action, _ := cmd.Flags().GetString("action")

	c, err := apiClient(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	report, err := c.RunWatchdog(ctx, client.WatchdogRequest{
		LabID:            labID,
		OlderThanMinutes: olderThan,
		MaxLabs:          maxLabs,
		DryRun:           dryRun,
		Action:           action,
	})
	if err != nil {
		return err
	}

	if len(report.Entries) == 0 {
		fmt.Println("No stuck labs found")
		return nil
	}

	fmt.Printf("%-38s %-9s %-10s %s\n", "LAB", "RUNTIME", "AGE", "OUTCOME")
	for _, entry := range report.Entries {
		outcome := entry.Outcome
		if entry.Error != "" {
			outcome += " (" + entry.Error + ")"
		}
		fmt.Printf("%-38s %-9s %-10s %s\n",
			entry.LabID, entry.Runtime, entry.Age.Round(time.Second), outcome)
	}

	fmt.Printf("\nForced: %d  Failed: %d  Skipped: %d  Errors: %d\n",
		report.Forced, report.Failed, report.Skipped, report.Errors)
	if report.Errors > 0 {
		return fmt.Errorf("watchdog finished with %d errors", report.Errors)
	}
	return nil
}

func init() {
	doctorCmd.Flags().String("runtime", "", "Runtime to check (default: configured runtime)")
	doctorCmd.Flags().Bool("remote", false, "Ask the running server instead of checking locally")
	rootCmd.AddCommand(doctorCmd)

	runtimeOverrideCmd.Flags().String("actor", envOr("USER", "operator"), "Operator recorded in the audit log")
	runtimeCmd.AddCommand(runtimeShowCmd)
	runtimeCmd.AddCommand(runtimeOverrideCmd)
	rootCmd.AddCommand(runtimeCmd)

	retentionCmd.Flags().Int("days", 0, "Blanket cutoff in days (default: OCTOLAB_RETENTION_DAYS; 0 honors per-lab retention stamps)")
	retentionCmd.Flags().Bool("execute", false, "Purge instead of reporting candidates")
	retentionCmd.Flags().Int("limit", 0, "Cap how many labs one run touches (0 = no cap)")
	rootCmd.AddCommand(retentionCmd)

	gcCmd.Flags().Bool("dry-run", false, "Report what would happen without acting")
	gcCmd.Flags().Bool("include-volumes", false, "Also sweep engine volumes nothing owns")
	rootCmd.AddCommand(gcCmd)

	watchdogCmd.Flags().String("lab-id", "", "Inspect one specific lab instead of sweeping")
	watchdogCmd.Flags().Int("older-than-minutes", 0, "Stuck cutoff in minutes (default: OCTOLAB_WATCHDOG_OLDER_THAN_MINUTES)")
	watchdogCmd.Flags().Int("max-labs", 0, "Cap how many labs one run touches (0 = server default)")
	watchdogCmd.Flags().Bool("dry-run", false, "Report what would happen without acting")
	watchdogCmd.Flags().String("action", "force", "What to do with a stuck lab: force or fail")
	rootCmd.AddCommand(watchdogCmd)
}
