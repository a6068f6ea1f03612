package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/meshledger/crypto"
)

func idCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the device id and pairing payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := s.loadIdentity()
			if err != nil {
				return err
			}
			cm, err := crypto.NewManager(id)
			if err != nil {
				return err
			}
			payload, err := cm.PairingPayload()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID: %s\n", id.DeviceID)
			fmt.Fprintf(out, "Pairing:   %s\n", payload)
			return nil
		},
	}
}
