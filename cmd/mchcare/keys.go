package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/mchcare/internal/push"
)

func vapidKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for web push alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "MCHCARE_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "MCHCARE_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}
