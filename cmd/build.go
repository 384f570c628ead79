package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/bulk"
)

func newBuildCmd() *cobra.Command {
	var (
		candidatesPath string
		discover       int
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Downloads a candidate list into the archive and writes the index once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()
			if candidatesPath == "" {
				candidatesPath = appInstance.Config().Bulk.CandidatesPath
			}

			var candidates []asset.Candidate
			switch {
			case discover > 0:
				source := appInstance.CandidateSource()
				if source == nil {
					return errors.New("--discover requires sources.wiki_media.enabled")
				}
				candidates, err = bulk.Discover(cmd.Context(), source, discover, logger)
			case candidatesPath != "":
				candidates, err = bulk.LoadCandidates(candidatesPath)
			default:
				return errors.New("either --candidates or --discover is required")
			}
			if err != nil {
				return err
			}
			logger.Info("bulk candidates ready", zap.Int("count", len(candidates)))

			report, err := appInstance.Builder().Build(cmd.Context(), candidates)
			for outcome, n := range report.Outcomes {
				logger.Info("bulk outcome", zap.String("outcome", string(outcome)), zap.Int("count", n))
			}
			if err != nil {
				return fmt.Errorf("bulk build: %w", err)
			}
			logger.Info("bulk build finished", zap.Int("index_added", report.Added))
			return nil
		},
	}
	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "JSON file of candidates (defaults to bulk.candidates_path)")
	cmd.Flags().IntVar(&discover, "discover", 0, "discover this many candidates from the wiki-media API instead of reading a file")
	return cmd
}
