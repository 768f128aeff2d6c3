// Package display renders recognition overlays for a terminal.
package display

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/watchtower/internal/pipeline"
	"github.com/andresmejia3/watchtower/internal/types"
)

// Console prints the overlay table whenever it differs from the last one it
// printed. Ticks that show the same faces produce no output.
type Console struct {
	w    io.Writer
	last string
}

// NewConsole returns a renderer writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Render implements pipeline.Renderer.
func (c *Console) Render(frame types.Frame, overlays []pipeline.Overlay) error {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tNAME\tDISTANCE\tSTORED\tPREDICTED")
	fmt.Fprintln(tw, "----\t----\t--------\t------\t---------")
	for _, ov := range overlays {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ov.Region, ov.Label(), distance(ov), stored(ov), predicted(ov.Prediction))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	table := sb.String()
	if table == c.last {
		return nil
	}
	c.last = table

	stamp := "--:--:--"
	if !frame.Time.IsZero() {
		stamp = frame.Time.Local().Format("15:04:05")
	}
	if len(overlays) == 0 {
		_, err := fmt.Fprintf(c.w, "\n[%s] frame %d: no faces\n", stamp, frame.Index)
		return err
	}
	_, err := fmt.Fprintf(c.w, "\n[%s] frame %d: %d face(s)\n%s", stamp, frame.Index, len(overlays), table)
	return err
}

func distance(ov pipeline.Overlay) string {
	if !ov.Result.Known {
		return "-"
	}
	return strconv.FormatFloat(ov.Result.Distance, 'f', 4, 64)
}

func stored(ov pipeline.Overlay) string {
	if ov.Details == nil {
		return "-"
	}
	var parts []string
	if ov.Details.Gender != "" {
		parts = append(parts, ov.Details.Gender)
	}
	if ov.Details.Age != nil {
		parts = append(parts, strconv.Itoa(*ov.Details.Age))
	}
	if ov.Details.Ethnicity != "" {
		parts = append(parts, ov.Details.Ethnicity)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func predicted(p *types.Prediction) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("age %d, %s, %s, %s", int(p.Age+0.5), p.DominantGender(), orDash(p.Race), orDash(p.Emotion))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
