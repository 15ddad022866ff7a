package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/trial-sentinel/sentinel/internal/confidence"
	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/scan"
	"github.com/trial-sentinel/sentinel/internal/template"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

var badgeIcons = map[string]string{
	"green":  "🟢",
	"yellow": "🟡",
	"red":    "🔴",
}

func listCmd() *cobra.Command {
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detected trials",
		Long:  "Show stored trials ordered by end date, with their confidence badge.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(all, limit)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include cancelled and expired trials")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of trials to show")

	return cmd
}

func runList(all bool, limit int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.ListByUser(a.cfg.User.ID, all, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("📭 No trials found. Run 'sentinel scan-inbox' or 'sentinel scan-transactions' first.")
		return nil
	}

	printRecords(records)

	counts, err := a.store.CountByStatus(a.cfg.User.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\n📊 Active: %d  Cancelled: %d  Expired: %d\n",
		counts[trial.StatusActive], counts[trial.StatusCancelled], counts[trial.StatusExpired])
	return nil
}

func duplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "Find trials that look like the same sign-up",
		Long:  "Compare active trials and report pairs for the same service whose end dates are within a week.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDuplicates()
		},
	}
}

func runDuplicates() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pairs, err := a.pipeline.Duplicates()
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		fmt.Println("✅ No likely duplicates")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"First", "Source", "Second", "Source", "Reason"})
	for _, p := range pairs {
		t.AppendRow(table.Row{p.First.ID, p.First.Source, p.Second.ID, p.Second.Source, p.Reason})
	}
	t.Render()
	fmt.Printf("\n🔁 %d likely duplicates. Use 'sentinel combine' to check corroboration or 'sentinel cancel' to drop one.\n", len(pairs))
	return nil
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trial with its confidence breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0])
		},
	}
}

func runShow(id string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	t := now()
	rec, score, err := a.pipeline.Show(id, t)
	if err != nil {
		return err
	}

	badge := confidence.BadgeFor(score.Overall)
	fmt.Printf("%s %s\n", badgeIcons[badge.Color], rec.ServiceName)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  ID:         %s\n", rec.ID)
	fmt.Printf("  Source:     %s\n", rec.Source)
	fmt.Printf("  Status:     %s\n", rec.Status)
	fmt.Printf("  Started:    %s\n", formatDay(rec.TrialStart))
	fmt.Printf("  Ends:       %s (%d days left)\n", formatDay(rec.TrialEnd), template.DaysLeft(rec.TrialEnd, t))
	if rec.HasAmount() {
		fmt.Printf("  Amount:     $%s/month after trial\n", rec.SubscriptionAmount.Decimal.StringFixed(2))
	}
	if rec.HasCancelURL() {
		fmt.Printf("  Cancel at:  %s\n", rec.CancelURL)
	}
	if ev, ok := rec.Evidence.(trial.EmailEvidence); ok {
		fmt.Printf("  Email:      %q from %s\n", ev.Subject, ev.From)
	}
	if ev, ok := rec.Evidence.(trial.FinancialEvidence); ok {
		fmt.Printf("  Charge:     %s $%s on %s\n", ev.MerchantName, ev.Amount.StringFixed(2), formatDay(ev.Date))
	}

	fmt.Println()
	fmt.Printf("🎯 %s (%.0f%%)\n", badge.Text, score.Overall*100)
	for _, line := range score.Reasoning {
		fmt.Printf("   • %s\n", line)
	}
	if !a.pipeline.Scorer().ShouldShowToUser(rec.Candidate, t) {
		fmt.Println()
		fmt.Println("⚠️  Low confidence: this trial is hidden from reminders")
	}
	return nil
}

func combineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine <email-trial-id> <financial-trial-id>",
		Short: "Score an email trial and a bank charge as one sign-up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCombine(args[0], args[1])
		},
	}
}

func runCombine(emailID, financialID string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	combined, err := a.pipeline.Combine(emailID, financialID, now())
	if err != nil {
		return err
	}

	badge := confidence.BadgeFor(combined.Confidence)
	fmt.Printf("%s Combined confidence: %.0f%% (%s)\n", badgeIcons[badge.Color], combined.Confidence*100, badge.Text)
	for _, line := range combined.Reasoning {
		fmt.Printf("   • %s\n", line)
	}
	return nil
}

func addCmd() *cobra.Command {
	var service, start, end, cancelURL, amount, note string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a trial manually",
		Long: `Record a trial you signed up for yourself.

Dates accept 2006-01-02, 1/2/2006 or "Jan 2, 2006".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(service, start, end, cancelURL, amount, note)
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service name (required)")
	cmd.Flags().StringVar(&start, "start", "", "Trial start date (default today)")
	cmd.Flags().StringVar(&end, "end", "", "Trial end date")
	cmd.Flags().StringVar(&cancelURL, "cancel-url", "", "Where to cancel")
	cmd.Flags().StringVar(&amount, "amount", "", "Monthly price after the trial")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note")
	cmd.MarkFlagRequired("service")

	return cmd
}

func runAdd(service, start, end, cancelURL, amount, note string) error {
	f := trial.ManualFields{CancelURL: cancelURL, Note: note}

	var err error
	if f.TrialStart, err = parseDayFlag("start", start); err != nil {
		return err
	}
	if f.TrialEnd, err = parseDayFlag("end", end); err != nil {
		return err
	}
	if amount != "" {
		d, err := decimal.NewFromString(strings.TrimPrefix(amount, "$"))
		if err != nil {
			return eris.Wrapf(err, "invalid --amount %q", amount)
		}
		f.Amount = decimal.NewNullDecimal(d)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if svc, ok := pattern.Default().ServiceByName(service); ok {
		service = svc.Name
	}
	rec, err := a.pipeline.Manual(trial.NewManual(service, f), now())
	if err != nil {
		return err
	}

	fmt.Printf("✅ Added %s trial ending %s\n", rec.ServiceName, formatDay(rec.TrialEnd))
	fmt.Printf("   ID: %s\n", rec.ID)
	return nil
}

func parseDayFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if t, ok := pattern.ParseDate(value); ok {
		return t, nil
	}
	return time.Time{}, eris.Errorf("invalid --%s date %q", name, value)
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Mark a trial as cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(args[0])
		},
	}
}

func runCancel(id string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.Cancel(id, now()); err != nil {
		return err
	}
	fmt.Printf("🛑 Trial %s marked as cancelled. No more reminders will be sent.\n", id)
	return nil
}

func rescoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescore",
		Short: "Recompute confidence scores for active trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRescore()
		},
	}
}

func runRescore() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	changed, err := a.pipeline.Rescore(now())
	if err != nil {
		return err
	}
	fmt.Printf("🎯 Rescored trials: %d changed\n", changed)
	return nil
}

func printReport(rep scan.Report) {
	fmt.Printf("✅ Examined %d, found %d trials: %d new, %d already known\n", rep.Examined, rep.Found, rep.Saved, rep.Existing)
	if len(rep.Records) > 0 {
		fmt.Println()
		printRecords(rep.Records)
	}
}

func printRecords(records []trial.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Service", "Source", "Ends", "Amount", "Confidence", "Status"})
	for _, r := range records {
		amount := "-"
		if r.HasAmount() {
			amount = "$" + r.SubscriptionAmount.Decimal.StringFixed(2)
		}
		badge := confidence.BadgeFor(r.Score)
		t.AppendRow(table.Row{
			r.ID,
			r.ServiceName,
			r.Source,
			formatDay(r.TrialEnd),
			amount,
			fmt.Sprintf("%s %.0f%%", badgeIcons[badge.Color], r.Score*100),
			r.Status,
		})
	}
	t.Render()
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Jan 2, 2006")
}
