package cli

import (
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
)

func NewTranscriptsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "List saved transcripts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := eventstore.Open(cmd.Context(), deps.Config.EventStore, deps.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListTranscripts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			f := newFormatter(deps.Out)
			if len(list) == 0 {
				f.Info("No saved transcripts")
				return nil
			}
			for _, t := range list {
				f.Transcript(t.ID, t.CreatedAt, t.Words, t.Path, t.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of transcripts to list")
	return cmd
}
