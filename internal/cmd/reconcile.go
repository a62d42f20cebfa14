package cmd

import (
	"fmt"
	"os"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <workItemId>",
	Short: "同步一个工作项的远程附件并输出结果",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workItemID, err := strconv.Atoi(args[0])
		if err != nil || workItemID <= 0 {
			return fmt.Errorf("工作项ID必须为正整数: %q", args[0])
		}

		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Attachment.Reconcile(cmd.Context(), workItemID, false)
		if err != nil {
			return err
		}
		return printJSON(out.Result)
	},
}

// printJSON 以缩进JSON输出到标准输出
func printJSON(v interface{}) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
