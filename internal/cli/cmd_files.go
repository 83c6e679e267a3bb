package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion-factory/internal/model"
)

func (a *App) fileCommands() []*cobra.Command {
	claim := &cobra.Command{
		Use:   "claim-file <path>",
		Short: "Claim a file for exclusive editing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("claim-file"); err != nil {
				return err
			}
			result, err := a.claims.Claim(cmd.Context(), args[0], a.caller, time.Now().UTC())
			if err != nil {
				return err
			}
			if !result.Granted {
				return model.Precondition(model.RuleClaimHeld,
					fmt.Sprintf("%s is held by %s, you are queue position %d", result.Claim.FilePath, result.Claim.Holder, result.Position),
					"wait for release or ask the lead to force it")
			}
			return a.printJSON(result)
		},
	}

	var releaseForce bool
	release := &cobra.Command{
		Use:   "release-file <path>",
		Short: "Release a file claim, promoting the first waiter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.gate("release-file"); err != nil {
				return err
			}
			if releaseForce && a.class != model.ClassLead {
				return &model.AuthzError{Kind: model.ClassDenied, Class: a.class, Command: "release-file --force"}
			}
			result, err := a.claims.Release(cmd.Context(), args[0], a.caller, releaseForce, time.Now().UTC())
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}
	release.Flags().BoolVar(&releaseForce, "force", false, "lead only: break another agent's claim")

	list := &cobra.Command{
		Use:   "list-claims",
		Short: "List active file claims and their waitlists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.gate("list-claims"); err != nil {
				return err
			}
			views, err := a.claims.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(views)
		},
	}

	return []*cobra.Command{claim, release, list}
}
