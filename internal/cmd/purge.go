package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge-sessions",
	Short: "清理过期的分块上传会话",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		purged, err := a.Chunked.PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("已清理 %d 个过期会话\n", purged)
		return nil
	},
}
