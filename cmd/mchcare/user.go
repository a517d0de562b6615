package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dukerupert/mchcare/internal/auth"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}

	var email, name, role string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(strings.ToLower(email))
			if email == "" || !strings.Contains(email, "@") {
				return fmt.Errorf("a valid --email is required")
			}
			if role != model.RoleAdmin && role != model.RoleStaff {
				return fmt.Errorf("--role must be %q or %q", model.RoleAdmin, model.RoleStaff)
			}

			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			token, hash, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			u, err := store.NewUserStore(a.db).Create(email, name, role, hash)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s user %d (%s).\n", u.Role, u.ID, u.Email)
			fmt.Fprintf(out, "API token (shown once): %s\n", token)
			return nil
		},
	}
	createCmd.Flags().StringVar(&email, "email", "", "email address")
	createCmd.Flags().StringVar(&name, "name", "", "display name")
	createCmd.Flags().StringVar(&role, "role", model.RoleStaff, "admin or staff")
	cmd.AddCommand(createCmd)

	return cmd
}
