package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/config"
	"github.com/easeaico/family-agent/internal/logging"
	"github.com/easeaico/family-agent/internal/service"
	"github.com/easeaico/family-agent/internal/store"
)

type rootOptions struct {
	configPath string
	familyID   string
	userID     string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "family-agent",
		Short:         "Conversational assistant for family coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging, os.Stderr)
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.familyID, "family", "", "family id")
	root.PersistentFlags().StringVar(&opts.userID, "user", "", "user id")

	root.AddCommand(
		newChatCmd(opts),
		newConfirmCmd(opts),
		newPendingCmd(opts),
		newAutonomyCmd(opts),
		newTasksCmd(opts),
		newMigrateCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func (o *rootOptions) requireScope() error {
	if o.familyID == "" || o.userID == "" {
		return errors.New("--family and --user are required")
	}
	return nil
}

// withApp builds the app for one command and tears it down afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), o.cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		message     string
		historyFile string
		location    string
		priority    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send one message to the agent and print the JSON response",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.Request{
				Message:  message,
				UserID:   opts.userID,
				FamilyID: opts.familyID,
				Context:  service.RequestContext{Location: location, Priority: priority},
			}
			if historyFile != "" {
				data, err := os.ReadFile(historyFile)
				if err != nil {
					return fmt.Errorf("failed to read history: %w", err)
				}
				if err := json.Unmarshal(data, &req.ConversationHistory); err != nil {
					return fmt.Errorf("failed to parse history: %w", err)
				}
			}
			return opts.withApp(cmd, func(a *app) error {
				resp, err := a.agent.Handle(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	cmd.Flags().StringVar(&historyFile, "history", "", "JSON file with prior conversation turns")
	cmd.Flags().StringVar(&location, "location", "", "location hint")
	cmd.Flags().StringVar(&priority, "priority", "", "priority hint")
	return cmd
}

func newConfirmCmd(opts *rootOptions) *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "confirm <pending-id>",
		Short: "Approve or reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			return opts.withApp(cmd, func(a *app) error {
				res, err := a.pipeline.Confirm(cmd.Context(), args[0], !reject, opts.userID, opts.familyID)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approving")
	return cmd
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List actions awaiting confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			return opts.withApp(cmd, func(a *app) error {
				var from time.Time
				if since > 0 {
					from = time.Now().Add(-since)
				}
				actions, err := a.pipeline.Pending(cmd.Context(), opts.familyID, opts.userID, from)
				if err != nil {
					return err
				}
				return printJSON(cmd, actions)
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "look-back window (default: the pending window)")
	return cmd
}

func newAutonomyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autonomy",
		Short: "Inspect and change a user's autonomy level",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current autonomy level",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			return opts.withApp(cmd, func(a *app) error {
				level, err := a.gate.AutonomyLevel(cmd.Context(), opts.familyID, opts.userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), level)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <MANUAL|ASSISTED|AUTONOMOUS>",
		Short: "Set the autonomy level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			level, err := autonomy.ParseLevel(args[0])
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(a *app) error {
				if err := a.gate.SetAutonomyLevel(cmd.Context(), opts.familyID, opts.userID, level); err != nil {
					return err
				}
				log.Info().Str("family_id", opts.familyID).Str("user_id", opts.userID).Stringer("level", level).Msg("autonomy level updated")
				return nil
			})
		},
	})

	var fb autonomy.FeedbackInput
	feedback := &cobra.Command{
		Use:   "feedback",
		Short: "Record a satisfaction rating and adjust the level",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			if fb.Satisfaction < 0 || fb.Satisfaction > 1 {
				return errors.New("--satisfaction must be within [0,1]")
			}
			return opts.withApp(cmd, func(a *app) error {
				level, err := a.gate.AdjustAutonomy(cmd.Context(), opts.familyID, opts.userID, fb)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), level)
				return nil
			})
		},
	}
	feedback.Flags().Float64Var(&fb.Satisfaction, "satisfaction", 0.5, "satisfaction rating in [0,1]")
	feedback.Flags().BoolVar(&fb.RequestedMoreAutonomy, "more", false, "ask for more autonomy")
	feedback.Flags().BoolVar(&fb.RequestedLessAutonomy, "less", false, "ask for less autonomy")
	cmd.AddCommand(feedback)

	return cmd
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the family's completed-task history",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "insights",
		Short: "Summarize recent completed tasks by category, hour and assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.familyID == "" {
				return errors.New("--family is required")
			}
			return opts.withApp(cmd, func(a *app) error {
				return printJSON(cmd, a.memory.TaskInsights(cmd.Context(), opts.familyID))
			})
		},
	})
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.Open(cmd.Context(), opts.cfg.Database.Type, opts.cfg.Database.URL, opts.cfg.LLM.EmbeddingDim)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info().Str("type", opts.cfg.Database.Type).Msg("schema migrated")
			return nil
		},
	}
}
