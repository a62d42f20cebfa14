package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	attachment "github.com/weiwangfds/attachsync/internal/service/attachment"
	upload "github.com/weiwangfds/attachsync/internal/service/upload"
)

var (
	uploadWorkItem int
	uploadComment  string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "上传本地文件，指定 --work-item 时同时关联",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := afero.NewOsFs().Open(args[0])
		if err != nil {
			return fmt.Errorf("打开文件失败: %w", err)
		}
		defer f.Close()

		content, err := upload.FilePayload(f)
		if err != nil {
			return err
		}

		req := attachment.UploadRequest{
			Content:  content,
			FileName: filepath.Base(args[0]),
			Comment:  uploadComment,
		}
		if cmd.Flags().Changed("work-item") {
			req.WorkItemID = &uploadWorkItem
		}

		out, err := a.Attachment.Upload(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	uploadCmd.Flags().IntVar(&uploadWorkItem, "work-item", 0, "关联的工作项ID")
	uploadCmd.Flags().StringVar(&uploadComment, "comment", "", "关联备注")
}
