package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/pkg/libdrop"
)

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print this instance's public key",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		priv, err := libdrop.LoadOrCreateIdentity(identityPath(cfg))
		if err != nil {
			return err
		}
		pub, err := priv.Public()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(pub[:]))
		return nil
	},
}
