package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/andresmejia3/watchtower/internal/codec"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/andresmejia3/watchtower/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every enrolled face in the gallery",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(cmd.Context(), DB); err != nil {
			utils.Die("Failed to list gallery", err, nil)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, db store.Store) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGENDER\tAGE\tETHNICITY\tDIM\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t---\t---------\t---\t-------")

	count := 0
	for rec, err := range db.ScanAll(ctx) {
		if err != nil {
			return err
		}
		count++
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Name,
			orDash(rec.Metadata.Gender), age(rec.Metadata.Age), orDash(rec.Metadata.Ethnicity),
			dimension(rec.Embedding), fmtTime(rec.CreatedAt))
	}

	if count == 0 {
		fmt.Println("No faces found in gallery.")
		return nil
	}
	return w.Flush()
}

// dimension reports the embedding size, or "corrupt" when it does not decode.
func dimension(embedding string) string {
	_, shape, _, err := codec.Decode(embedding)
	if err != nil {
		return "corrupt"
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return strconv.Itoa(n)
}

func age(a *int) string {
	if a == nil {
		return "-"
	}
	return strconv.Itoa(*a)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
