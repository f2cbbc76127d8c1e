package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docrag/internal/answer"
	"github.com/fyrsmithlabs/docrag/internal/retrieval"
)

func newSearchCmd(opts *options) *cobra.Command {
	var (
		limit     int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the chunks most similar to a query",
		Long: `Find the chunks most similar to a query. The query is expanded with
configured synonyms before searching.

Examples:
  docrag search "what is an ontology" --tenant acme
  docrag search 온톨로지 --tenant acme --limit 10 --threshold 0.5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, func(a *app) error {
				results, err := a.retrieval.Search(cmd.Context(), opts.tenant, query, retrieval.SearchOptions{
					MaxResults: limit,
					Threshold:  threshold,
				})
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), results)
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No results")
					return nil
				}
				for i, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s#%d] similarity %.3f", i+1, r.DocumentID, r.ChunkIndex, r.Similarity)
					if r.MatchedQuery != query {
						fmt.Fprintf(cmd.OutOrStdout(), " via %q", r.MatchedQuery)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "\n   %s\n", truncate(oneLine(r.Content), 160))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity (default from config)")
	return cmd
}

func newAskCmd(opts *options) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the tenant's documents",
		Long: `Answer a question using only the most relevant chunks of the tenant's
documents. The exchange is recorded in the conversation history.

Examples:
  docrag ask "온톨로지란 무엇인가?" --tenant acme
  docrag ask "what changed in v2?" --tenant acme --session release-notes`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.answerService()
				if err != nil {
					return err
				}
				ans, err := svc.Answer(cmd.Context(), answer.Request{
					TenantID:  opts.tenant,
					Query:     question,
					SessionID: session,
				})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), ans)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, ans.Text)
				if len(ans.Sources) > 0 {
					fmt.Fprintf(out, "\nSources: %s\n", strings.Join(ans.Sources, ", "))
					fmt.Fprintf(out, "Tokens: %d (%s)\n", ans.Usage.TotalTokens, ans.Model)
				}
				if ans.AnswerMessageID != "" {
					fmt.Fprintf(out, "Message: %s\n", ans.AnswerMessageID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "conversation session id")
	return cmd
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
