package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clockline/internal/app"
	"clockline/internal/config"
	"clockline/internal/cutoff"
	"clockline/internal/db"
	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/migrate"
	"clockline/internal/repo"
	"clockline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "clk",
	Short: "Clockline CLI",
	Long: `Clockline is a time clock for chat communities.
Workers clock in and out of work sessions per guild; supervisors can start,
pause, transfer, or force-close sessions; payroll reports aggregate closed
sessions and a weekly auto-cutoff freezes the guild and closes everything
still running. The event log records every change ('clk log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
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
	viper.SetEnvPrefix("CLOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("roles", "", "comma-separated roles held by the actor")
	rootCmd.PersistentFlags().StringP("guild", "g", "default", "guild identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("roles", rootCmd.PersistentFlags().Lookup("roles"))
	_ = viper.BindPFlag("guild", rootCmd.PersistentFlags().Lookup("guild"))
}

func registerCommands() {
	rootCmd.AddCommand(guildCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func guildCmd() *cobra.Command {
	g := &cobra.Command{Use: "guild", Short: "Manage guild configuration"}
	g.AddCommand(guildShowCmd())
	g.AddCommand(guildListCmd())
	g.AddCommand(guildSetCmd())
	g.AddCommand(guildFreezeCmd(true))
	g.AddCommand(guildFreezeCmd(false))
	return g
}

func guildShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show guild configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := app.ResolveGuild(ctx, guildID(), e.Config, e.Repo)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func guildListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guilds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGuilds(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func guildSetCmd() *cobra.Command {
	var mode, timezone, autoCut string
	var adminRoles []string
	var roleRules []string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update guild configuration",
		Long: `Update the guild's operating mode, timezone, admin roles, role rules, and
auto-cutoff schedule. Role rules use "starter-role=target-role1,target-role2".
The auto-cutoff uses "<day> <HH:MM>" in the guild timezone, e.g. "sunday 23:59".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				existing, err := app.ResolveGuild(ctx, guildID(), e.Config, e.Repo)
				if err != nil {
					return err
				}
				if mode != "" {
					existing.Mode = mode
				}
				if timezone != "" {
					existing.Timezone = timezone
				}
				if len(adminRoles) > 0 {
					existing.AdminRoles = adminRoles
				}
				if len(roleRules) > 0 {
					rules, err := parseRoleRules(roleRules)
					if err != nil {
						return err
					}
					existing.RoleRules = rules
				}
				if cmd.Flags().Changed("auto-cut") {
					cut, err := engine.ParseAutoCut(autoCut)
					if err != nil {
						return err
					}
					existing.AutoCut = cut
				}
				saved, err := e.ConfigureGuild(ctx, existing, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "operating mode: self_service, supervised, or hybrid")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, e.g. America/Mexico_City")
	cmd.Flags().StringSliceVar(&adminRoles, "admin-role", nil, "admin role (repeatable)")
	cmd.Flags().StringArrayVar(&roleRules, "role-rule", nil, "starter=target1,target2 rule (repeatable)")
	cmd.Flags().StringVar(&autoCut, "auto-cut", "", `weekly cutoff "<day> <HH:MM>", empty to clear`)
	return cmd
}

func guildFreezeCmd(frozen bool) *cobra.Command {
	use, short := "freeze", "Freeze the guild (no new sessions)"
	if !frozen {
		use, short = "unfreeze", "Unfreeze the guild"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetFrozen(ctx, guildID(), frozen, actor()); err != nil {
					return err
				}
				cfg, err := e.Repo.GetGuildConfig(ctx, guildID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage work sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionStopCmd())
	s.AddCommand(sessionPauseCmd(true))
	s.AddCommand(sessionPauseCmd(false))
	s.AddCommand(sessionForceCloseCmd())
	s.AddCommand(sessionCancelCmd())
	s.AddCommand(sessionTransferCmd())
	s.AddCommand(sessionActiveCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var userID string
	var targetRoles []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Clock in (yourself, or --user for someone else)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := app.ResolveGuild(ctx, guildID(), e.Config, e.Repo); err != nil {
					return err
				}
				a := actor()
				target := userID
				if target == "" {
					target = a.ID
				}
				s, err := e.Start(ctx, engine.StartOptions{
					GuildID:     guildID(),
					UserID:      target,
					StartedBy:   a,
					TargetRoles: targetRoles,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker to clock in (defaults to the actor)")
	cmd.Flags().StringSliceVar(&targetRoles, "target-role", nil, "role held by the target worker (repeatable)")
	return cmd
}

func sessionStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Clock out and print the session duration and grand total",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := actor()
				s, dur, err := e.Stop(ctx, guildID(), a.ID)
				if err != nil {
					return err
				}
				total, err := e.TotalFor(ctx, guildID(), a.ID, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"session":     s,
						"duration_ms": dur.Milliseconds(),
						"total_ms":    total,
					})
				}
				fmt.Printf("Session closed: %s\n", fmtMs(dur.Milliseconds()))
				fmt.Printf("Accumulated total: %s\n", fmtMs(total))
				return nil
			})
		},
	}
	return cmd
}

func sessionPauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Pause a worker's open session"
	if !pause {
		use, short = "resume", "Resume a worker's paused session"
	}
	var userID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				var s domain.WorkSession
				var err error
				if pause {
					s, err = e.Pause(ctx, guildID(), target, actor())
				} else {
					s, err = e.Resume(ctx, guildID(), target, actor())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker whose session to act on")
	return cmd
}

func sessionForceCloseCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "force-close",
		Short: "Close another worker's open session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, dur, err := e.ForceClose(ctx, guildID(), userID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "duration_ms": dur.Milliseconds()})
				}
				fmt.Printf("Closed session for %s: %s\n", userID, fmtMs(dur.Milliseconds()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker whose session to close")
	return cmd
}

func sessionCancelCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Discard a worker's open session without recording time",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Cancel(ctx, guildID(), userID, actor()); err != nil {
					return err
				}
				fmt.Printf("Cancelled open session for %s\n", userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker whose session to cancel")
	return cmd
}

func sessionTransferCmd() *cobra.Command {
	var userID, newStartedBy string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Hand a running session over to a new supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || newStartedBy == "" {
				return errors.New("--user and --to are required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				closed, opened, err := e.Transfer(ctx, guildID(), userID, newStartedBy, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"closed": closed, "opened": opened})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker whose session to transfer")
	cmd.Flags().StringVar(&newStartedBy, "to", "", "new supervisor")
	return cmd
}

func sessionActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List open sessions with live elapsed time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.ActiveSessions(ctx, guildID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Started By", "Since", "Elapsed", "Paused"})
				for _, r := range rows {
					tw.AppendRow(table.Row{
						r.Session.UserID,
						r.Session.StartedBy,
						r.Session.StartTime.Format(time.RFC3339),
						fmtMs(r.ElapsedMs),
						r.Session.IsPaused,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Totals, payroll, and history reports"}
	r.AddCommand(reportTotalCmd())
	r.AddCommand(reportPayrollCmd())
	r.AddCommand(reportHistoryCmd())
	r.AddCommand(reportPayrollResetCmd())
	return r
}

func reportTotalCmd() *cobra.Command {
	var userID string
	var includeActive bool
	cmd := &cobra.Command{
		Use:   "total",
		Short: "Accumulated time for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				total, err := e.TotalFor(ctx, guildID(), target, includeActive)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": target, "total_ms": total})
				}
				fmt.Printf("%s: %s\n", target, fmtMs(total))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker (defaults to the actor)")
	cmd.Flags().BoolVar(&includeActive, "include-active", false, "include the open session's live time")
	return cmd
}

func reportPayrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payroll",
		Short: "Per-worker payroll listing, highest total first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				listing, err := e.PayrollListing(ctx, guildID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(listing)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Name", "Sessions", "Total"})
				for _, entry := range listing {
					tw.AppendRow(table.Row{entry.UserID, entry.DisplayName, entry.Sessions, fmtMs(entry.TotalMs)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportHistoryCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Closed session history for a worker with running totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := userID
				if target == "" {
					target = viper.GetString("actor-id")
				}
				rows, err := e.HistoryReport(ctx, guildID(), target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Start", "End", "Duration", "Started By", "Running Total"})
				for _, r := range rows {
					end := ""
					if r.Session.EndTime != nil {
						end = r.Session.EndTime.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{
						r.Session.StartTime.Format(time.RFC3339),
						end,
						fmtMs(r.DurationMs),
						r.StartedByLabel,
						fmtMs(r.RunningTotalMs),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker (defaults to the actor)")
	return cmd
}

func reportPayrollResetCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "payroll-reset",
		Short: "Delete a worker's closed sessions after payout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.PayrollReset(ctx, guildID(), userID, actor())
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d closed sessions for %s\n", deleted, userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker to reset")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage worker state"}
	w.AddCommand(workerSetCmd())
	w.AddCommand(workerAdjustCmd())
	return w
}

func workerSetCmd() *cobra.Command {
	var userID, name string
	var ban, unban bool
	var penaltyMinutes int64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update a worker's ban, penalty, or display name",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			if ban && unban {
				return errors.New("--ban and --unban are mutually exclusive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkerState(ctx, guildID(), userID)
				if err != nil {
					return err
				}
				w.GuildID = guildID()
				w.UserID = userID
				if name != "" {
					w.DisplayName = name
				}
				if ban {
					w.IsBanned = true
				}
				if unban {
					w.IsBanned = false
				}
				if penaltyMinutes > 0 {
					until := e.Now().Add(time.Duration(penaltyMinutes) * time.Minute)
					w.PenaltyUntil = &until
				}
				if err := e.SetWorkerState(ctx, w, actor()); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker to update")
	cmd.Flags().StringVar(&name, "name", "", "display name for reports")
	cmd.Flags().BoolVar(&ban, "ban", false, "ban the worker from clocking in")
	cmd.Flags().BoolVar(&unban, "unban", false, "lift the ban")
	cmd.Flags().Int64Var(&penaltyMinutes, "penalty-minutes", 0, "block clock-ins for this many minutes")
	return cmd
}

func workerAdjustCmd() *cobra.Command {
	var userID string
	var deltaMinutes int64
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed minute correction to the latest closed session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AdjustHistory(ctx, guildID(), userID, deltaMinutes, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "worker to adjust")
	cmd.Flags().Int64Var(&deltaMinutes, "minutes", 0, "signed correction in minutes")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one auto-cutoff pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sweeper := cutoff.New(e, 0)
				closed, err := sweeper.SweepOnce(ctx, e.Now())
				if err != nil {
					return err
				}
				fmt.Printf("Closed %d sessions\n", closed)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, guildID(), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage service configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default clockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective service configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate clockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage HTTP API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := newAPIKeySecret()
				key := domain.APIKey{
					ID:      newID(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the auto-cutoff sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CLOCKLINE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("CLOCKLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e)
			go cutoff.New(e, cfg.SweepInterval()).Run(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Clockline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func guildID() string {
	return viper.GetString("guild")
}

func actor() engine.Actor {
	a := engine.Actor{ID: viper.GetString("actor-id")}
	if raw := viper.GetString("roles"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				a.Roles = append(a.Roles, part)
			}
		}
	}
	return a
}

func parseRoleRules(raw []string) (map[string][]string, error) {
	rules := make(map[string][]string, len(raw))
	for _, entry := range raw {
		starter, targets, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid role rule %q: expected starter=target1,target2", entry)
		}
		starter = strings.TrimSpace(starter)
		if starter == "" {
			return nil, fmt.Errorf("invalid role rule %q: empty starter role", entry)
		}
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				rules[starter] = append(rules[starter], t)
			}
		}
	}
	return rules, nil
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

func newID() string {
	return uuid.NewString()
}

func newAPIKeySecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func fmtMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int64(d.Hours())
	m := int64(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %02dm", h, m)
}
