package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ouka/pkg/config"
	"ouka/pkg/types"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Provision local accounts",
	}
	cmd.AddCommand(accountCreateCmd(), accountDeleteCmd())
	return cmd
}

func accountCreateCmd() *cobra.Command {
	var (
		uid      string
		email    string
		verified bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision an account for an authenticated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer n.Close()

			account, err := n.Provisioner().OnUserCreated(cmd.Context(), types.User{
				UID:           types.UserID(uid),
				Email:         email,
				EmailVerified: verified,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderAccount(account, n.Directory().Node().ActorURI(account.Userpart)))
			if n.Config().Storage.Backend == config.BackendMemory {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("memory storage: the account is discarded on exit"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "user id from the identity provider")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().BoolVar(&verified, "verified", false, "the email has been verified")
	cmd.MarkFlagRequired("uid")
	return cmd
}

func accountDeleteCmd() *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Mark every account of a user as gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			n, err := openNode(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer n.Close()

			changed, err := n.Provisioner().OnUserDeleted(cmd.Context(), types.User{UID: types.UserID(uid)})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d account(s) marked gone\n", iconStyle.Render("✖"), changed)
			return nil
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "", "user id from the identity provider")
	cmd.MarkFlagRequired("uid")
	return cmd
}

func renderAccount(account *types.Account, actorURI string) string {
	admin := mutedStyle.Render("no")
	if account.Attributes.Admin {
		admin = warningValueStyle.Render("yes")
	}
	email := account.Email
	if email == "" {
		email = "(unverified)"
	}

	return createPanel("Account", "●", renderFields([]field{
		{"ID", string(account.ID), valueStyle},
		{"Userpart", account.Userpart, accentValueStyle},
		{"Actor", actorURI, valueStyle},
		{"Email", email, valueStyle},
		{"Admin", admin, valueStyle},
	}), 0)
}
