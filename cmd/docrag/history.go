package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docrag/internal/conversation"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		session string
		limit   int
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent questions and answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.answerService()
				if err != nil {
					return err
				}
				msgs, err := svc.History(cmd.Context(), opts.tenant, conversation.ListOptions{
					SessionID:      session,
					Limit:          limit,
					IncludeDeleted: deleted,
				})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), msgs)
				}
				if len(msgs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No messages found")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tROLE\tCREATED\tFEEDBACK\tCONTENT")
				for _, m := range msgs {
					fb := ""
					if m.Feedback != nil {
						fb = string(m.Feedback.Rating)
					}
					content := truncate(oneLine(m.Content), 60)
					if m.Deleted() {
						content = "(deleted) " + content
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						m.ID, m.Role, m.CreatedAt.Local().Format("2006-01-02 15:04"), fb, content)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "only show this session")
	cmd.Flags().IntVar(&limit, "limit", conversation.DefaultHistoryLimit, "maximum messages")
	cmd.Flags().BoolVar(&deleted, "all", false, "include deleted messages")

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.answerService()
				if err != nil {
					return err
				}
				if err := svc.DeleteMessage(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Message deleted: %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newFeedbackCmd(opts *options) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "feedback <message-id> <thumbs_up|thumbs_down|neutral>",
		Short: "Rate an answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := conversation.ParseRating(args[1]); err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, func(a *app) error {
				svc, err := a.answerService()
				if err != nil {
					return err
				}
				if err := svc.Feedback(cmd.Context(), args[0], args[1], comment); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Feedback saved for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}
