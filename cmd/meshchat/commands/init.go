package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/meshledger/crypto"
)

func initCmd(s *settings) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the device identity and store it encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requirePassphrase(); err != nil {
				return err
			}
			ks, err := crypto.NewKeyStore(s.home, []byte(s.passphrase))
			if err != nil {
				return err
			}
			defer ks.Close()

			if ks.HasIdentity() && !force {
				return fmt.Errorf("identity already exists in %s (use --force to replace it)", s.home)
			}
			id, err := crypto.GenerateIdentity("")
			if err != nil {
				return err
			}
			if err := ks.SaveIdentity(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created.\nDevice ID: %s\n", id.DeviceID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}
