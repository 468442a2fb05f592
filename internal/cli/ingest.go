package cli

import (
	"fmt"

	"github.com/harun/dqagent/internal/daemon"
	"github.com/spf13/cobra"
)

var ingestKnowledgeBase string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Build the tool index from the knowledge base",
	Long: `Parse the knowledge base of tool descriptions, embed every descriptor and
rebuild the retrieval index from scratch. Without --knowledge-base the
configured file is used, or the bundled corpus when none is configured.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestKnowledgeBase, "knowledge-base", "", "knowledge base file to ingest")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ingestKnowledgeBase != "" {
		cfg.Retrieval.KnowledgeBase = ingestKnowledgeBase
	}

	return withDaemon(cfg, func(d *daemon.Daemon) error {
		n, err := d.Ingest(cmd.Context())
		if err != nil {
			return err
		}
		status := d.Status().Index
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d tool descriptors (%s, dimension %d)\n", n, status.Backend, status.Dimension)
		return nil
	})
}
