package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"signoff/api/internal/admin"
	"signoff/api/internal/config"
	"signoff/api/internal/store"
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Change a user's role or team access",
}

var grantRoleCmd = &cobra.Command{
	Use:   "role <email> <client|reviewer|admin>",
	Short: "Set a user's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd, args[0], func(roles *admin.Store, user store.User) error {
			if err := roles.SetRole(cmd.Context(), user.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, args[1])
			return nil
		})
	},
}

var grantTeamsCmd = &cobra.Command{
	Use:   "teams <email> [team-id...]",
	Short: "Replace the teams a client may see",
	Long:  "Replace the teams a client may see. Passing no team ids removes every grant.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd, args[0], func(roles *admin.Store, user store.User) error {
			if err := roles.SetUserTeams(cmd.Context(), user.ID, args[1:]); err != nil {
				return err
			}
			teams, err := roles.UserTeams(cmd.Context(), user.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"userId": user.ID, "teams": teams})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s can see %d teams\n", user.Email, len(teams))
			return nil
		})
	},
}

func init() {
	grantCmd.AddCommand(grantRoleCmd)
	grantCmd.AddCommand(grantTeamsCmd)
}

func withUser(cmd *cobra.Command, email string, fn func(*admin.Store, store.User) error) error {
	ctx := cmd.Context()
	cfg := config.Load()
	sqlDB, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer sqlDB.Close()
	kvStore, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	user, err := store.NewPostgresStore(sqlDB).GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find user %s: %w", email, err)
	}
	return fn(admin.New(kvStore), user)
}
