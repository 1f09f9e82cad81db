package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/correlate"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/logging"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow runs automated company research cases.
A trigger opens a case; registered sources fetch and normalize company
data; missing fields pause the case and mail whoever can supply them;
replies resume it; a finished case ends with a report (or a reason why
not). Every state change is an event in a per-case append-only log, so
'cf recover' can rebuild everything after a crash.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		logging.Init(slog.LevelWarn, "text")
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(replyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caseflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func triggerCmd() *cobra.Command {
	var creator, recipient, payloadJSON string
	var fields []string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Open a research case",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("--payload-json: %w", err)
				}
			}
			for _, kv := range fields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--field %q: want key=value", kv)
				}
				payload[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				corrID, eventID, err := a.Coord.Trigger(ctx, domain.TriggerInput{
					Creator:   creator,
					Recipient: recipient,
					Payload:   payload,
				})
				if err != nil {
					return err
				}
				st, err := a.Coord.Status(ctx, corrID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"correlation_id": corrID,
					"event_id":       eventID,
					"status":         st,
				})
			})
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "address of whoever raised the request")
	cmd.Flags().StringVar(&recipient, "recipient", "", "report recipient (defaults to creator)")
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "company field key=value (repeatable)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "company fields as a JSON object")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Inspect and steer cases",
	}
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseAbortCmd())
	c.AddCommand(caseFixCmd())
	return c
}

func caseListCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases from the read cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cases, err := a.Repo.ListCases(ctx, statusFilter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Correlation ID", "Status", "Creator", "Missing", "Updated"})
				for _, c := range cases {
					tw.AppendRow(table.Row{
						c.CorrelationID, c.Status, c.Creator,
						strings.Join(c.MissingFields, ","), c.UpdatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "status filter")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Project a case from its event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Coord.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func caseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <correlation-id>",
		Short: "Show current case status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Coord.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"correlation_id": args[0],
						"status":         st,
						"terminal":       st.IsTerminal(),
					})
				}
				fmt.Println(st)
				return nil
			})
		},
	}
	return cmd
}

func caseAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <correlation-id>",
		Short: "Abort an open case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Coord.Abort(ctx, args[0], reason); err != nil {
					return err
				}
				st, err := a.Coord.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"correlation_id": args[0],
					"status":         st,
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	return cmd
}

func caseFixCmd() *cobra.Command {
	var fields []string
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "fix <correlation-id>",
		Short: "Apply an operator fix to a paused case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixed := map[string]any{}
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &fixed); err != nil {
					return fmt.Errorf("--fields-json: %w", err)
				}
			}
			for _, kv := range fields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--field %q: want key=value", kv)
				}
				fixed[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Coord.Fix(ctx, args[0], fixed); err != nil {
					return err
				}
				st, err := a.Coord.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"correlation_id": args[0],
					"status":         st,
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&fields, "field", []string{}, "corrected field key=value (repeatable)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "corrected fields as a JSON object")
	return cmd
}

func replyCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "reply",
		Short: "Ingest reply mails",
	}
	r.AddCommand(replyIngestCmd())
	return r
}

func replyIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a raw RFC 5322 mail file (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				in := os.Stdin
				if args[0] != "-" {
					f, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer f.Close()
					in = f
				}
				resolver := correlate.Resolver{Repo: a.Repo, Bus: a.Bus}
				res, err := resolver.Ingest(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <correlation-id>",
		Short: "Show the latest recorded events for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Coord.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if n > 0 && len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event ID", "Kind", "Occurred"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.EventID, ev.Kind, ev.OccurredAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay the event log, rebuild the cache and resume stale cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Coord.Recover(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("cases: %d  open: %d  stale: %d  reminders: %d  resumed: %d\n",
					rep.Cases, rep.Open, rep.Stale, rep.Reminders, rep.Resumed)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			if role != domain.RoleOperator && role != domain.RoleReader {
				return fmt.Errorf("--role must be %s or %s", domain.RoleOperator, domain.RoleReader)
			}
			secret := "cf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    name,
				Role:    role,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":     key.ID,
					"actor":  actor,
					"role":   role,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&role, "role", domain.RoleReader, "role (operator or reader)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var recoverFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			logging.Init(slog.LevelInfo, "text")

			if recoverFirst {
				if _, err := a.Coord.Recover(cmd.Context()); err != nil {
					return err
				}
			}
			server.StartWebhookDispatcher(a.Bus, a.Cfg.Webhooks)

			authCfg := server.AuthConfig{JWTSecret: os.Getenv(a.Cfg.Server.JWTSecretEnv)}
			handler, err := server.New(server.Config{
				Coord:    a.Coord,
				Repo:     a.Repo,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&recoverFirst, "recover", true, "replay the event log before serving")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), app.Options{Synchronous: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
