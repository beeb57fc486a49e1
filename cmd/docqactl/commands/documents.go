package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a PDF and print its server-side document path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client.Upload(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error uploading document: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}
