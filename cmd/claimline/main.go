package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"claimline/internal/app"
	"claimline/internal/config"
	"claimline/internal/db"
	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "claimline",
	Short: "Claimline assignment lifecycle service",
	Long: `Claimline runs the assignment lifecycle of a micro-task marketplace.
- Orders: a paid order fans out into one assignment per unit of quantity.
- Claims: a provider takes exclusive, time-bounded ownership of an assignment.
- Proof: the provider submits evidence; the buyer has a review window to approve or reject.
- Escalation: a silent buyer is replaced by the AI oracle; a rejected provider may ask for AI re-verification.
- Credits: every verified assignment credits its provider exactly once.
- Event log: every transition is recorded, view with 'claimline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLAIMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "acting provider or buyer id")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("webhook-secret", "", "shared secret for the order webhook")
	flags.String("oracle-mode", "", "oracle mode: http or static")
	flags.String("oracle-url", "", "oracle verification endpoint")
	flags.String("ledger-driver", "", "ledger driver: log or redis")
	flags.String("redis-addr", "", "redis address for the ledger stream")
	flags.String("log-mode", "", "log mode: development, production or nop")
	flags.Bool("allow-actor-header", false, "accept the unauthenticated X-Actor-Id header (dev only)")
	for _, name := range []string{
		"workspace", "json", "actor-id", "jwt-secret", "webhook-secret",
		"oracle-mode", "oracle-url", "ledger-driver", "redis-addr", "log-mode", "allow-actor-header",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(creditCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if strings.TrimSpace(a.Config.Auth.JWTSecret) == "" {
					return fmt.Errorf("jwt secret is required; set CLAIMLINE_JWT_SECRET or auth.jwt_secret")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				fmt.Printf("Serving claimline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
				return a.Serve(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}

func schedulerCmd() *cobra.Command {
	sched := &cobra.Command{
		Use:   "scheduler",
		Short: "Escalation scheduler",
		Long:  "The scheduler fires due timers: pool expiry, lease expiry, buyer review timeouts, AI re-verification and credit delivery.",
	}
	sched.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Process everything due now, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	})
	return sched
}

func orderCmd() *cobra.Command {
	ord := &cobra.Command{Use: "order", Short: "Order intake"}
	ord.AddCommand(orderPaidCmd())
	return ord
}

func orderPaidCmd() *cobra.Command {
	var o engine.Order
	var price, comment, expires string
	cmd := &cobra.Command{
		Use:   "paid",
		Short: "Create assignments for a paid order",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price: %w", err)
			}
			o.PricePerAction = amount
			o.CommentText = optionalString(comment)
			if expires != "" {
				t, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("invalid --expires-at: %w", err)
				}
				o.ExpiresAt = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.CreateFromOrder(ctx, o, actorOr("cli"))
				if err != nil {
					return err
				}
				return printAssignments(items)
			})
		},
	}
	cmd.Flags().StringVar(&o.OrderID, "order-id", "", "order id")
	cmd.Flags().StringVar(&o.BuyerID, "buyer-id", "", "buyer id")
	cmd.Flags().StringVar(&o.ActionType, "action-type", "", "follow, like, comment or view")
	cmd.Flags().StringVar(&o.Platform, "platform", "", "social platform")
	cmd.Flags().StringVar(&o.TargetURL, "target-url", "", "target profile or post URL")
	cmd.Flags().StringVar(&comment, "comment", "", "comment text for comment actions")
	cmd.Flags().StringVar(&price, "price", "", "price per action")
	cmd.Flags().IntVar(&o.Quantity, "quantity", 1, "number of actions")
	cmd.Flags().StringVar(&expires, "expires-at", "", "pool expiry (RFC3339)")
	for _, name := range []string{"order-id", "buyer-id", "action-type", "platform", "target-url", "price"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{
		Use:     "assignment",
		Aliases: []string{"a"},
		Short:   "Work with assignments",
		Long:    "Assignments move available -> assigned -> in_progress -> completed, then verified, rejected, ai_review_pending or failed.",
	}
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentSummaryCmd())
	asg.AddCommand(assignmentShowCmd())
	asg.AddCommand(assignmentActionCmd("claim", "Claim an available assignment", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.Claim(ctx, id, actor)
	}))
	asg.AddCommand(assignmentActionCmd("start", "Start a claimed assignment", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.Start(ctx, id, actor)
	}))
	asg.AddCommand(assignmentActionCmd("reverify", "Request AI re-verification of a rejection", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.RequestReverification(ctx, id, actor)
	}))
	asg.AddCommand(assignmentReleaseCmd())
	asg.AddCommand(assignmentSubmitCmd())
	asg.AddCommand(assignmentResolveCmd())
	asg.AddCommand(assignmentHistoryCmd())
	return asg
}

func assignmentListCmd() *cobra.Command {
	var f repo.AssignmentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				return printAssignments(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Platform, "platform", "", "platform filter")
	cmd.Flags().StringVar(&f.ActionType, "action-type", "", "action type filter")
	cmd.Flags().StringVar(&f.BuyerID, "buyer-id", "", "buyer filter")
	cmd.Flags().StringVar(&f.ClaimedBy, "claimed-by", "", "provider filter")
	cmd.Flags().StringVar(&f.OrderID, "order-id", "", "order filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func assignmentSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count assignments per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Summary(ctx)
				if err != nil {
					return err
				}
				return printSummary(counts)
			})
		},
	}
}

func assignmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assignment and its verification attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				asg, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := a.Engine.Verifications(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"assignment":    asg,
					"verifications": attempts,
				}
				if c, ok := asg.ActiveClaim(); ok {
					out["claim"] = c
				}
				if asg.Status == domain.StatusVerified {
					credit, err := a.Engine.CreditFor(ctx, asg.ID)
					if err != nil {
						return err
					}
					out["credit"] = credit
				}
				return printJSONOrTable(out)
			})
		},
	}
}

type assignmentAction func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error)

func assignmentActionCmd(use, short string, fn assignmentAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a.Engine, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func assignmentReleaseCmd() *cobra.Command {
	var reason string
	cmd := assignmentActionCmd("release", "Return a claimed assignment to the pool", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.Release(ctx, id, actor, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "release reason")
	return cmd
}

func assignmentSubmitCmd() *cobra.Command {
	var proofRef, notes string
	cmd := assignmentActionCmd("submit", "Submit proof of completion", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.SubmitProof(ctx, engine.SubmitProofInput{AssignmentID: id, ProviderID: actor, ProofRef: proofRef, Notes: notes})
	})
	cmd.Flags().StringVar(&proofRef, "proof-ref", "", "URL of the proof artifact")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func assignmentResolveCmd() *cobra.Command {
	var decision, reason string
	cmd := assignmentActionCmd("resolve", "Approve or reject submitted work as the buyer", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Assignment, error) {
		return e.ResolveBuyer(ctx, engine.ResolveInput{AssignmentID: id, BuyerID: actor, Decision: decision, Reason: reason})
	})
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func assignmentHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the event history of an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.History(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func creditCmd() *cobra.Command {
	cr := &cobra.Command{Use: "credit", Short: "Provider credits"}
	var providerID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List issued credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Credits(ctx, providerID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Assignment", "Provider", "Amount", "Delivered", "Attempts"})
				for _, c := range items {
					delivered := ""
					if c.DeliveredAt != nil {
						delivered = c.DeliveredAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{c.ID, c.AssignmentID, c.ProviderID, c.Amount.String(), delivered, c.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&providerID, "provider-id", "", "provider filter")
	list.Flags().IntVar(&limit, "limit", 100, "max rows")
	cr.AddCommand(list)
	return cr
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every claim, submission, resolution, escalation and credit is recorded in the event log.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "assignment or credit")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create claimline.yml",
		Long:  "Config holds the lifecycle windows, scheduler backoff, per action policies and collaborator settings. Flags and CLAIMLINE_* variables override file values.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "***"
			}
			if cfg.Webhook.Secret != "" {
				cfg.Webhook.Secret = "***"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default claimline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

// loadConfig reads claimline.yml (defaults when absent) and applies flag and
// CLAIMLINE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, cfg.Validate()
}

func applyOverrides(cfg *config.Config) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	set("jwt-secret", &cfg.Auth.JWTSecret)
	set("webhook-secret", &cfg.Webhook.Secret)
	set("oracle-mode", &cfg.Oracle.Mode)
	set("oracle-url", &cfg.Oracle.URL)
	set("ledger-driver", &cfg.Ledger.Driver)
	set("redis-addr", &cfg.Ledger.RedisAddr)
	set("log-mode", &cfg.Log.Mode)
	if viper.IsSet("allow-actor-header") {
		cfg.Auth.AllowActorHeader = viper.GetBool("allow-actor-header")
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", errors.New("--actor-id (or CLAIMLINE_ACTOR_ID) is required")
	}
	return actor, nil
}

func actorOr(fallback string) string {
	if actor := strings.TrimSpace(viper.GetString("actor-id")); actor != "" {
		return actor
	}
	return fallback
}

func printAssignments(items []domain.Assignment) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Order", "Action", "Platform", "Status", "Claimed By", "Price", "Expires"})
	for _, a := range items {
		claimedBy := ""
		if a.ClaimedBy != nil {
			claimedBy = *a.ClaimedBy
		}
		tw.AppendRow(table.Row{a.ID, a.OrderID, a.ActionType, a.Platform, a.Status, claimedBy, a.PricePerAction.String(), a.ExpiresAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printSummary(counts map[string]int) error {
	if viper.GetBool("json") {
		return printJSON(counts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Status", "Count"})
	total := 0
	for _, status := range domain.Statuses {
		tw.AppendRow(table.Row{status, counts[status]})
		total += counts[status]
	}
	tw.AppendFooter(table.Row{"Total", total})
	tw.Render()
	return nil
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
