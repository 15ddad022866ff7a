package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trial-sentinel/sentinel/internal/config"
	"github.com/trial-sentinel/sentinel/internal/history"
	"github.com/trial-sentinel/sentinel/internal/inbox"
	"github.com/trial-sentinel/sentinel/internal/ledger"
	"github.com/trial-sentinel/sentinel/internal/notify"
	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/scan"
	"github.com/trial-sentinel/sentinel/internal/template"
	"github.com/trial-sentinel/sentinel/internal/web"
)

var (
	cfgFile string
	dbFile  string
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func resolveDBPath() string {
	if dbFile != "" {
		return dbFile
	}
	return history.DefaultDBPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Trial Sentinel - Catch free trials before they bill you",
		Long: `Trial Sentinel finds free-trial sign-ups in your inbox and bank
transactions, scores how sure it is about each one, and reminds you
before the trial converts into a paid subscription.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sentinel/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFile, "db", "", "trial database (default is $HOME/.sentinel/history.db)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(scanInboxCmd())
	rootCmd.AddCommand(scanEmlCmd())
	rootCmd.AddCommand(scanTransactionsCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(duplicatesCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(combineCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(rescoreCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles what every command past init needs.
type app struct {
	cfg      *config.Config
	store    *history.Store
	pipeline *scan.Pipeline
}

func openApp() (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config (run 'sentinel init' first)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid config")
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return nil, err
	}

	store, err := history.NewStore(resolveDBPath())
	if err != nil {
		return nil, eris.Wrap(err, "failed to open trial database")
	}

	return &app{
		cfg:      cfg,
		store:    store,
		pipeline: scan.New(pattern.Default(), store, cfg.User.ID, cfg.Scan),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	zap.L().Sync()
}

func now() time.Time { return time.Now().UTC() }

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with your account and reminder settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🔔 Trial Sentinel Configuration Setup")
	fmt.Println("=====================================")
	fmt.Println()

	cfg := &config.Config{}
	cfg.User.ID = uuid.NewString()
	cfg.User.Name = prompt(reader, "Your name (optional): ")
	cfg.User.Email = prompt(reader, "Email address for reminders: ")

	fmt.Println()
	fmt.Println("📧 Reminder delivery")
	fmt.Println()

	cfg.Notify.Provider = prompt(reader, "Provider (smtp/resend/sendgrid) [smtp]: ")
	if cfg.Notify.Provider == "" {
		cfg.Notify.Provider = "smtp"
	}
	cfg.Notify.From = prompt(reader, "Send reminders from: ")
	switch cfg.Notify.Provider {
	case "resend":
		cfg.Notify.ResendAPIKey = prompt(reader, "  Resend API key: ")
	case "sendgrid":
		cfg.Notify.SendGridAPIKey = prompt(reader, "  SendGrid API key: ")
	default:
		cfg.Notify.SMTP.Host = "smtp.gmail.com"
		cfg.Notify.SMTP.Port = 465
		cfg.Notify.SMTP.UseTLS = true
		cfg.Notify.SMTP.Username = prompt(reader, "  SMTP username: ")
		cfg.Notify.SMTP.Password = prompt(reader, "  SMTP app password: ")
	}

	fmt.Println()
	fmt.Println("📥 Inbox scanning")
	fmt.Println()

	if strings.EqualFold(prompt(reader, "Scan an IMAP inbox for trial emails? (y/N): "), "y") {
		cfg.Inbox.Enabled = true
		cfg.Inbox.Provider = prompt(reader, "  Provider (gmail/outlook/imap) [gmail]: ")
		if cfg.Inbox.Provider == "" {
			cfg.Inbox.Provider = "gmail"
		}
		cfg.Inbox.Email = prompt(reader, "  Inbox address: ")
		cfg.Inbox.Password = prompt(reader, "  App password: ")
		if cfg.Inbox.Provider == "imap" {
			cfg.Inbox.Server = prompt(reader, "  IMAP server: ")
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.ValidateNotify(); err != nil {
		fmt.Printf("⚠️  Reminder settings incomplete: %v\n", err)
	}

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return eris.Wrap(err, "failed to save config")
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'sentinel scan-inbox' or 'sentinel scan-transactions <file>'")
	fmt.Println("  2. Run 'sentinel list' to review detected trials")
	fmt.Println("  3. Run 'sentinel remind' to get reminders before trials end")

	return nil
}

func scanInboxCmd() *cobra.Command {
	var days int
	var watch bool

	cmd := &cobra.Command{
		Use:   "scan-inbox",
		Short: "Scan your inbox for free-trial emails",
		Long: `Connect to your email inbox via IMAP and look for free-trial notices.

Each trial notice is classified, scored and stored. Messages already
stored are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanInbox(days, watch)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Number of days to look back (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching for new emails after the scan")

	return cmd
}

func runScanInbox(days int, watch bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.ValidateInbox(); err != nil {
		fmt.Println("📧 Inbox scanning is not configured.")
		fmt.Println()
		fmt.Println("Add the following to your config.yaml:")
		fmt.Println()
		fmt.Println("inbox:")
		fmt.Println("  enabled: true")
		fmt.Println("  provider: gmail")
		fmt.Println("  email: your-email@gmail.com")
		fmt.Println("  password: your-app-password  # Use an App Password, not your main password")
		return err
	}
	if days <= 0 {
		days = a.cfg.Inbox.Days
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := inbox.NewMonitor(a.cfg.Inbox)
	fmt.Printf("📬 Connecting to %s...\n", a.cfg.Inbox.Server)
	if err := monitor.Connect(ctx); err != nil {
		return err
	}
	defer monitor.Disconnect()

	emails, err := monitor.FetchRecentEmails(ctx, days)
	if err != nil {
		return err
	}
	fmt.Printf("🔍 Checking %d emails from the last %d days\n", len(emails), days)

	rep, err := a.pipeline.Emails(ctx, emails, now())
	if err != nil {
		return err
	}
	printReport(rep)

	if !watch {
		return nil
	}

	fmt.Println()
	fmt.Println("👀 Watching for new emails (Ctrl+C to stop)")
	err = monitor.WatchForNewEmails(ctx, func(e inbox.Email) {
		rep, err := a.pipeline.Emails(ctx, []inbox.Email{e}, now())
		if err != nil {
			zap.L().Warn("scan new email", zap.Error(err))
			return
		}
		if rep.Saved > 0 {
			printReport(rep)
		}
	})
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func scanEmlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-eml <file.eml>...",
		Short: "Scan saved email files for free trials",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanEml(args)
		},
	}
}

func runScanEml(paths []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var emails []inbox.Email
	for _, path := range paths {
		e, err := readEml(path)
		if err != nil {
			fmt.Printf("⚠️  Skipping %s: %v\n", path, err)
			continue
		}
		emails = append(emails, *e)
	}

	rep, err := a.pipeline.Emails(context.Background(), emails, now())
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

func readEml(path string) (*inbox.Email, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return inbox.ParseMessage(f)
}

func scanTransactionsCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "scan-transactions <file.csv|file.json>",
		Short: "Scan exported bank transactions for trial charges",
		Long: `Read a CSV or JSON transaction export and look for trial charges.

CSV files need a header row with transaction_id, account_id, merchant_name,
amount, date and optionally account_owner and category (semicolon separated).
JSON files hold an array of transaction objects.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanTransactions(args[0], days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Only scan transactions from the last N days (default from config)")

	return cmd
}

func runScanTransactions(path string, days int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	txs, err := ledger.Load(path)
	if err != nil {
		return err
	}
	if days <= 0 {
		days = a.cfg.Ledger.DefaultDays
	}
	t := now()
	recent := ledger.Since(txs, t.AddDate(0, 0, -days))
	fmt.Printf("🔍 Checking %d of %d transactions from the last %d days\n", len(recent), len(txs), days)

	rep, err := a.pipeline.Transactions(context.Background(), recent, t)
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

func remindCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Send reminders for trials that end soon",
		Long: `Email a reminder for every active trial ending within the configured
window. Without --once the check repeats on the configured cron schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemind(once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Check once and exit")

	return cmd
}

func runRemind(once bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.ValidateNotify(); err != nil {
		return eris.Wrap(err, "invalid reminder settings")
	}

	sender, err := notify.NewSender(a.cfg.Notify)
	if err != nil {
		return err
	}
	engine, err := template.NewEngine()
	if err != nil {
		return err
	}
	planner := notify.NewPlanner(a.store, engine, a.pipeline.Scorer(), sender, a.cfg)

	if once {
		sum, err := planner.Run(context.Background(), now())
		if err != nil {
			return err
		}
		fmt.Printf("🔔 %d trials ending soon: %d reminded, %d skipped, %d failed\n", sum.Due, sum.Sent, sum.Skipped, sum.Failed)
		if sum.Expired > 0 {
			fmt.Printf("⌛ %d trials expired\n", sum.Expired)
		}
		return nil
	}

	scheduler, err := notify.NewScheduler(planner, a.cfg.Notify.Schedule)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	fmt.Printf("🔔 Reminders scheduled (%s) via %s. Press Ctrl+C to stop\n", a.cfg.Notify.Schedule, sender.Name())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\nShutting down...")
	return nil
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local JSON API",
		Long: `Start a local web server exposing detected trials, duplicates and
scans over a JSON API. The server listens on 127.0.0.1 only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config)")

	return cmd
}

func runServe(port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	server, err := web.NewServer(port, a.cfg, a.pipeline, a.store)
	if err != nil {
		return err
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	return server.Start()
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}
