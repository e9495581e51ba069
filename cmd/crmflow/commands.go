package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/config"
	"crmflow/internal/domain"
	"crmflow/internal/engine"
	"crmflow/internal/store"
)

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage onboarding pipelines"}
	p.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a pipeline definition (YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.PipelineFromFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pipeline, stages, err := e.ImportPipeline(ctx, *def)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pipeline": pipeline, "stages": stages})
				}
				fmt.Printf("Imported pipeline %s with %d stages\n", pipeline.ID, len(stages))
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPipelines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Name, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "stages <pipeline>",
		Short: "List a pipeline's stages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := newTable(table.Row{"Order", "ID", "Name", "Color"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Order, s.ID, s.Name, deref(s.Color)})
				}
				tw.Render()
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "next <pipeline> <stage>",
		Short: "Show the stage after the given one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				next, ok, err := e.GetNextStage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					var v *string
					if ok {
						v = &next
					}
					return printJSON(map[string]any{"pipeline_id": args[0], "current_stage_id": args[1], "next_stage_id": v})
				}
				if !ok {
					fmt.Println("No next stage")
					return nil
				}
				fmt.Println(next)
				return nil
			})
		},
	})
	return p
}

func onboardingCmd() *cobra.Command {
	o := &cobra.Command{Use: "onboarding", Short: "Manage agent onboarding"}
	o.AddCommand(onboardingInviteCmd())
	o.AddCommand(&cobra.Command{
		Use:   "show <agent>",
		Short: "Show an onboarding record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetOnboarding(ctx, args[0])
				if err != nil {
					return err
				}
				return printOnboarding(rec)
			})
		},
	})
	o.AddCommand(&cobra.Command{
		Use:   "enter <agent> <stage>",
		Short: "Move an agent into a stage and draft its tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MoveToStage(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printEntry(res)
			})
		},
	})
	o.AddCommand(&cobra.Command{
		Use:   "completion <agent> <stage>",
		Short: "Show whether a stage's tasks are complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.StageCompletion(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s/%s: %d of %d tasks done (scope %s), complete=%t\n", c.AgentID, c.StageID, c.Completed, c.Total, c.Scope, c.Complete)
				return nil
			})
		},
	})
	o.AddCommand(onboardingCompleteStageCmd())
	o.AddCommand(onboardingStatusCmd())
	o.AddCommand(&cobra.Command{
		Use:   "activate <agent>",
		Short: "Activate an agent once requirements are met",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Activate(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printOnboarding(rec)
			})
		},
	})
	o.AddCommand(onboardingUpdateCmd())
	o.AddCommand(onboardingAuditCmd())
	return o
}

func onboardingInviteCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "invite <agent>",
		Short: "Create an onboarding record for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipelineID == "" {
				return fmt.Errorf("--pipeline required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Invite(ctx, args[0], pipelineID, actorID())
				if err != nil {
					return err
				}
				return printOnboarding(rec)
			})
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "pipeline id")
	return cmd
}

func onboardingCompleteStageCmd() *cobra.Command {
	var stageID string
	var advance, requireComplete bool
	cmd := &cobra.Command{
		Use:   "complete-stage <agent>",
		Short: "Mark the current stage complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteStage(ctx, engine.CompleteStageOptions{
					AgentID:         args[0],
					StageID:         stageID,
					Advance:         advance,
					RequireComplete: requireComplete,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Stage completed for %s\n", args[0])
				if res.Next != nil {
					return printEntry(*res.Next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id (defaults to the current stage)")
	cmd.Flags().BoolVar(&advance, "advance", false, "enter the next stage afterwards")
	cmd.Flags().BoolVar(&requireComplete, "require-complete", false, "refuse while the stage has open tasks")
	return cmd
}

func onboardingStatusCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "status <agent> <status>",
		Short: "Change an agent's onboarding status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.SetStatus(ctx, args[0], domain.OnboardingStatus(args[1]), actorID(), force)
				if err != nil {
					return err
				}
				return printOnboarding(rec)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip transition checks")
	return cmd
}

func onboardingUpdateCmd() *cobra.Command {
	var notes string
	var clearNotes bool
	var profile, compliance, training, financial bool
	cmd := &cobra.Command{
		Use:   "update <agent>",
		Short: "Update onboarding flags and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.OnboardingPatch
			flags := cmd.Flags()
			if flags.Changed("profile-complete") {
				patch.ProfileComplete = domain.SetTo(profile)
			}
			if flags.Changed("compliance-complete") {
				patch.ComplianceComplete = domain.SetTo(compliance)
			}
			if flags.Changed("training-complete") {
				patch.TrainingComplete = domain.SetTo(training)
			}
			if flags.Changed("financial-setup-complete") {
				patch.FinancialSetupComplete = domain.SetTo(financial)
			}
			switch {
			case clearNotes && flags.Changed("notes"):
				return fmt.Errorf("--notes and --clear-notes are mutually exclusive")
			case clearNotes:
				patch.Notes = domain.SetNull[string]()
			case flags.Changed("notes"):
				patch.Notes = domain.SetTo(notes)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.UpdateOnboarding(ctx, args[0], patch, actorID())
				if err != nil {
					return err
				}
				return printOnboarding(rec)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().BoolVar(&clearNotes, "clear-notes", false, "remove notes")
	cmd.Flags().BoolVar(&profile, "profile-complete", false, "profile complete flag")
	cmd.Flags().BoolVar(&compliance, "compliance-complete", false, "compliance complete flag")
	cmd.Flags().BoolVar(&training, "training-complete", false, "training complete flag")
	cmd.Flags().BoolVar(&financial, "financial-setup-complete", false, "financial setup complete flag")
	return cmd
}

func onboardingAuditCmd() *cobra.Command {
	var f store.AuditFilter
	cmd := &cobra.Command{
		Use:   "audit <agent>",
		Short: "Show an agent's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.AgentID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"ID", "At", "Action", "Field", "Old", "New", "Actor"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.ID, a.CreatedAt, a.Action, a.Field, deref(a.OldValue), deref(a.NewValue), a.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only entries after this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	return cmd
}

func printOnboarding(o domain.AgentOnboarding) error {
	if viper.GetBool("json") {
		return printJSON(o)
	}
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"agent", o.AgentID},
		{"pipeline", o.PipelineID},
		{"status", o.Status},
		{"stage", deref(o.CurrentStageID)},
		{"stage entered", deref(o.StageEnteredAt)},
		{"stage completed", deref(o.StageCompletedAt)},
		{"started", deref(o.OnboardingStartedAt)},
		{"activated", deref(o.ActivatedAt)},
		{"profile", o.ProfileComplete},
		{"compliance", o.ComplianceComplete},
		{"training", o.TrainingComplete},
		{"financial setup", o.FinancialSetupComplete},
		{"notes", deref(o.Notes)},
		{"version", o.Version},
	})
	tw.Render()
	return nil
}

func printEntry(res domain.EnterStageResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Entered stage %s (%s): %d tasks created\n", res.Stage.ID, res.Stage.Name, res.TasksCreated)
	if len(res.Tasks) > 0 {
		printTasks(res.Tasks)
	}
	return nil
}

func printTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"ID", "Title", "Stage", "Set", "Due", "Done"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.StageID, t.TaskSetID, deref(t.DueDate), t.IsCompleted})
	}
	tw.Render()
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage onboarding tasks"}
	var f store.TaskFilter
	list := &cobra.Command{
		Use:   "list <agent>",
		Short: "List an agent's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.AgentID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	list.Flags().BoolVar(&f.OnlyPending, "pending", false, "only open tasks")
	t.AddCommand(list)
	t.AddCommand(&cobra.Command{
		Use:   "complete <task>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s (stage %s complete: %t)\n", res.Task.ID, res.Task.StageID, res.StageComplete)
				return nil
			})
		},
	})
	return t
}

func requirementCmd() *cobra.Command {
	r := &cobra.Command{Use: "requirement", Short: "Manage activation requirements"}
	var kind, name, status, expiresAt string
	var optional bool
	add := &cobra.Command{
		Use:   "add <agent>",
		Short: "Add an activation requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.Requirement{
				AgentID:    args[0],
				Kind:       domain.RequirementKind(kind),
				Name:       name,
				IsRequired: !optional,
				Status:     status,
			}
			if expiresAt != "" {
				req.ExpiresAt = &expiresAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AddRequirement(ctx, req, actorID())
				if err != nil {
					return err
				}
				return printRequirements([]domain.Requirement{out})
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", "", "checklist, document, agreement or training")
	add.Flags().StringVar(&name, "name", "", "requirement name")
	add.Flags().StringVar(&status, "status", "", "initial status (default pending)")
	add.Flags().StringVar(&expiresAt, "expires-at", "", "expiry (RFC3339), documents only")
	add.Flags().BoolVar(&optional, "optional", false, "does not gate activation")

	var setExpiry string
	set := &cobra.Command{
		Use:   "set <requirement> <status>",
		Short: "Change a requirement's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var exp *string
			if cmd.Flags().Changed("expires-at") {
				exp = &setExpiry
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.SetRequirementStatus(ctx, args[0], args[1], exp, actorID())
				if err != nil {
					return err
				}
				return printRequirements([]domain.Requirement{out})
			})
		},
	}
	set.Flags().StringVar(&setExpiry, "expires-at", "", "expiry (RFC3339)")

	r.AddCommand(add, set, &cobra.Command{
		Use:   "list <agent>",
		Short: "List an agent's requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				return printRequirements(reqs)
			})
		},
	})
	return r
}

func printRequirements(reqs []domain.Requirement) error {
	if viper.GetBool("json") {
		return printJSON(reqs)
	}
	tw := newTable(table.Row{"ID", "Kind", "Name", "Required", "Status", "Expires"})
	for _, r := range reqs {
		tw.AppendRow(table.Row{r.ID, r.Kind, r.Name, strconv.FormatBool(r.IsRequired), r.Status, deref(r.ExpiresAt)})
	}
	tw.Render()
	return nil
}
