package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ashureev/duelchat/internal/config"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		owner string
		id    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored conversations or print one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if owner == "" {
				owner = cfg.Identity.Email
			}

			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = repo.Close() }()

			if id != "" {
				conv, err := repo.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printConversation(cmd.OutOrStdout(), conv)
			}
			convs, err := repo.List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printConversations(cmd.OutOrStdout(), convs)
		},
	}
	cmd.Flags().StringVar(&owner, "email", "", "owner email (default USER_EMAIL, empty lists all)")
	cmd.Flags().StringVar(&id, "id", "", "print the turns of one conversation")
	return cmd
}

func printConversations(w io.Writer, convs []domain.Conversation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "ID\tOWNER\tTURNS\tCREATED"); err != nil {
		return err
	}
	for _, c := range convs {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.Owner, len(c.Turns), c.CreatedAt.Format("2006-01-02 15:04:05")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printConversation(w io.Writer, conv domain.Conversation) error {
	for _, t := range conv.Turns {
		if _, err := fmt.Fprintf(w, "[%s]\n%s\n\n", t.Role, t.Message); err != nil {
			return err
		}
	}
	return nil
}
