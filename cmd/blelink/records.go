package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/store/records"
)

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Manage stored text records",
		Long: `Text records are kept in records.yaml under the data directory. They are
listed newest first; "connect --listen --save" adds one per notification.`,
	}

	var search string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := recordsStore(cmd)
			if err != nil {
				return err
			}
			rs := store.All()
			if search != "" {
				rs = store.Search(search)
			}
			return displayRecords(cmd, rs)
		},
	}
	listCmd.Flags().StringVarP(&search, "search", "s", "", "Only list records containing this text (case-insensitive)")

	var id int64
	addCmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Add a record, or replace one with --id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := recordsStore(cmd)
			if err != nil {
				return err
			}
			newID, err := store.Insert(records.Record{ID: id, Content: strings.Join(args, " ")})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved record %d\n", newID)
			return nil
		},
	}
	addCmd.Flags().Int64Var(&id, "id", 0, "Replace the record with this id")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete records by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				v, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id %q", a)
				}
				ids = append(ids, v)
			}

			store, err := recordsStore(cmd)
			if err != nil {
				return err
			}
			for _, v := range ids {
				if err := store.Delete(v); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s)\n", len(ids))
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := recordsStore(cmd)
			if err != nil {
				return err
			}
			n := store.Len()
			if err := store.DeleteAll(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, deleteCmd, clearCmd)
	return cmd
}

func recordsStore(cmd *cobra.Command) (*records.Store, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true
	return openRecords(cfg, logger)
}

func displayRecords(cmd *cobra.Command, rs []records.Record) error {
	out := cmd.OutOrStdout()
	if len(rs) == 0 {
		fmt.Fprintln(out, "No records")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tCONTENT")
	for _, r := range rs {
		content := strings.ReplaceAll(r.Content, "\n", `\n`)
		if len(content) > 60 {
			content = content[:57] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.CreatedAt.Local().Format(time.DateTime), content)
	}
	return w.Flush()
}
