package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/agent"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/repo"
	"opsline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ops",
	Short: "Opsline CLI",
	Long: `Opsline runs autonomous operations: proposals are admitted through a cap
gate and auto-approval policy, approved proposals become missions with ordered
steps, and agents claim and execute steps one at a time.

- Workspace: your .opsline directory holding the database; config lives in opsline.yml.
- Proposal: a request for work naming its step kinds; admission decides approved, pending, or rejected.
- Mission: the execution record of an approved proposal with one queued step per kind.
- Triggers: predicate rules over the event log that admit new proposals, rate-limited by cooldown.
- Reactions: queued follow-ups to configured event types, drained by the heartbeat.
- Heartbeat: one tick of triggers, reactions, and stale-step recovery; view the diary with 'ops log tail'.`,
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
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-user", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedPolicies(ctx); err != nil {
					return err
				}
				v, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				fmt.Printf("workspace ready (schema v%d)\n", v)
				return nil
			})
		},
	}
	return cmd
}

func proposeCmd() *cobra.Command {
	var title, description string
	var stepKinds []string
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Submit a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AdmitProposal(ctx, engine.AdmitOptions{
					Source:               domain.SourceAPI,
					Title:                title,
					Description:          description,
					StepKinds:            stepKinds,
					AutoApproveRequested: autoApprove,
					CreatedBy:            viper.GetString("agent-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringArrayVar(&stepKinds, "step-kind", []string{}, "ordered step kind (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "request auto-approval")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("step-kind")
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Inspect proposals",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalGetCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Source", "Kinds"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.Source, strings.Join(p.StepKinds, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func proposalGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Inspect missions",
	}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	return m
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Steps", "Completed", "Failed"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.StepCount, m.CompletedCount, m.FailedCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show mission with steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, id)
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListMissionSteps(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"mission": m, "steps": steps})
				}
				fmt.Printf("Mission: %s (%s)\n", m.Title, m.Status)
				fmt.Printf("Proposal: %s\n", m.ProposalID)
				if m.FinalizedAt != nil {
					fmt.Printf("Finalized: %s\n", *m.FinalizedAt)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Kind", "Status", "Agent", "Error"})
				for _, s := range steps {
					agentID := ""
					if s.ReservedBy != nil {
						agentID = *s.ReservedBy
					}
					tw.AppendRow(table.Row{s.StepOrder, s.StepKind, s.Status, agentID, s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "step",
		Short: "Claim and complete steps",
	}
	s.AddCommand(stepClaimCmd())
	s.AddCommand(stepCompleteCmd())
	s.AddCommand(stepGetCmd())
	return s
}

func stepClaimCmd() *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next queued step",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claimKinds := kinds
				if len(claimKinds) == 0 {
					claimKinds = e.Config.Agents.Capabilities[agentID]
				}
				if len(claimKinds) == 0 {
					claimKinds = []string{agentID}
				}
				step, err := e.ClaimNextStep(ctx, agentID, claimKinds)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("no claimable step")
						return nil
					}
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringArrayVar(&kinds, "kind", []string{}, "claimable step kind (repeatable)")
	return cmd
}

func stepCompleteCmd() *cobra.Command {
	var status, result, stepErr string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report a step outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.CompleteStep(ctx, id, engine.StepOutcome{
					Status: status,
					Result: result,
					Error:  stepErr,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "outcome status (completed, failed)")
	cmd.Flags().StringVar(&result, "result", "", "result text")
	cmd.Flags().StringVar(&stepErr, "error", "", "error text for failed outcome")
	return cmd
}

func stepGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStep(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
		Long:  "Triggers watch the event log with a small predicate language (all/eq/ne/in over event_type, step_kind, agent_id) and admit a proposal when an event matches, at most once per cooldown.",
	}
	t.AddCommand(triggerCreateCmd())
	t.AddCommand(triggerListCmd())
	t.AddCommand(triggerEnableCmd(true))
	t.AddCommand(triggerEnableCmd(false))
	t.AddCommand(triggerDeleteCmd())
	return t
}

func triggerCreateCmd() *cobra.Command {
	var name, conditionJSON, actionJSON string
	var cooldown int
	var disabled bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTrigger(ctx, name, conditionJSON, cooldown, actionJSON, !disabled)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique trigger name")
	cmd.Flags().StringVar(&conditionJSON, "condition-json", "", `predicate, e.g. {"all":[{"field":"event_type","op":"eq","value":"step_failed"}]}`)
	cmd.Flags().StringVar(&actionJSON, "action-json", "", `action, e.g. {"create_proposal":{"title":"Rebuild","step_kinds":["builder"]}}`)
	cmd.Flags().IntVar(&cooldown, "cooldown-seconds", 0, "minimum seconds between firings")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("condition-json")
	_ = cmd.MarkFlagRequired("action-json")
	return cmd
}

func triggerListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTriggers(ctx, enabledOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Enabled", "Cooldown", "Last fired"})
				for _, t := range items {
					last := ""
					if t.LastTriggered != nil {
						last = *t.LastTriggered
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Enabled, t.CooldownSeconds, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled triggers")
	return cmd
}

func triggerEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable trigger"
	if !enable {
		use, short = "disable <id>", "Disable trigger"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetTriggerEnabled(ctx, id, enable); err != nil {
					return err
				}
				t, err := e.Repo.GetTrigger(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func triggerDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteTrigger(ctx, id)
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Manage policies",
		Long:  "Policies gate admission: auto_approve_step_kinds lists the kinds that skip human review, and agent_daily_cap_<agent> limits completed steps per agent per UTC day.",
	}
	p.AddCommand(policyListCmd())
	p.AddCommand(policyGetCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPolicies(ctx, prefix)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Value", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Name, p.ValueJSON, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "name prefix filter")
	return cmd
}

func policyGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPolicy(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func policySetCmd() *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Set policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.UpsertPolicy(ctx, name, valueJSON); err != nil {
					return err
				}
				p, err := e.Repo.GetPolicy(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value-json", "", `policy value, e.g. {"allowed":["builder"]} or {"max_tasks":5}`)
	_ = cmd.MarkFlagRequired("value-json")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Run heartbeat ticks",
		Long:  "One tick evaluates triggers, drains the reaction queue, and recovers stale running steps. With --every the command loops until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if every <= 0 {
					report, err := e.RunHeartbeat(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(report)
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					report, err := e.RunHeartbeat(ctx)
					if err != nil {
						return err
					}
					if err := printJSONOrTable(report); err != nil {
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat interval (0 runs once)")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Run a step-executing agent",
	}
	a.AddCommand(agentRunCmd())
	return a
}

func agentRunCmd() *cobra.Command {
	var kinds []string
	var command string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for steps and execute them",
		Long:  "Claims queued steps matching the agent's kinds and executes each one. With --command the step JSON is piped to the command's stdin and its output becomes the result; without it steps complete with a stub result. Ctrl-C stops claiming and lets the in-flight step finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				execKinds := kinds
				if len(execKinds) == 0 {
					execKinds = e.Config.Agents.Capabilities[agentID]
				}
				if len(execKinds) == 0 {
					execKinds = []string{agentID}
				}
				executors := make(map[string]agent.Executor, len(execKinds))
				for _, kind := range execKinds {
					executors[kind] = commandExecutor(command)
				}
				runner := &agent.Runner{
					Engine:    e,
					AgentID:   agentID,
					Executors: executors,
					Poll:      e.Config.AgentPoll(),
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Printf("agent %s polling for kinds %s\n", agentID, strings.Join(execKinds, ","))
				if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&kinds, "kind", []string{}, "executable step kind (repeatable)")
	cmd.Flags().StringVar(&command, "command", "", "shell command run per step (step JSON on stdin)")
	return cmd
}

func commandExecutor(command string) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, step domain.MissionStep) (string, error) {
		if command == "" {
			return "ok", nil
		}
		input, err := json.Marshal(step)
		if err != nil {
			return "", err
		}
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Stdin = strings.NewReader(string(input))
		out, err := c.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
		}
		return strings.TrimSpace(string(out)), nil
	})
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: admissions, claims, completions, finalizations, and recoveries.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					EventType: evtType,
					MissionID: missionID,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSONOrTable(map[string]string{"id": key.ID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("agent-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var heartbeatEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.SeedPolicies(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("OPSLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if heartbeatEvery > 0 {
				go func() {
					ticker := time.NewTicker(heartbeatEvery)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
						}
						if report, err := e.RunHeartbeat(ctx); err != nil {
							fmt.Printf("heartbeat error: %v\n", err)
						} else if !report.Success {
							fmt.Printf("heartbeat degraded: %s\n", strings.Join(report.Errors, "; "))
						}
					}
				}()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&heartbeatEvery, "heartbeat-every", 30*time.Second, "background heartbeat interval (0 disables)")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
