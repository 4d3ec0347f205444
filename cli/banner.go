// Package cli holds terminal helpers shared by the remapctl commands.
package cli

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/amp-labs/keyremap-controller/envutil"
)

const (
	boxTopLeft     = "╒"
	boxBottomLeft  = "└"
	boxTopRight    = "╕"
	boxBottomRight = "┘"
	boxSide        = "│"
	boxTop         = "═"
	boxBottom      = "─"
	ellipsis       = "…"
)

const (
	AlignLeft = iota
	AlignCenter

	bannerPadding   = 2
	truncateReserve = 1
	halfDivisor     = 2
)

// DefaultWidth is the banner width used by the commands.
const DefaultWidth = 60

// BannerSuppressed reports whether REMAPCTL_NO_BANNER asks for plain output.
func BannerSuppressed(ctx context.Context) bool {
	return envutil.Bool(ctx, "REMAPCTL_NO_BANNER", envutil.Default(false)).ValueOrElse(false)
}

// Banner draws s (one or more lines) inside a box width columns wide. Lines
// that do not fit are truncated with an ellipsis.
func Banner(s string, width int, alignment int) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if width <= bannerPadding {
		return ""
	}

	inner := width - bannerPadding
	parts := []string{boxTopLeft + strings.Repeat(boxTop, inner) + boxTopRight}

	for _, l := range lines {
		var line string

		switch alignment {
		case AlignCenter:
			line = padCenter(l, inner)
		case AlignLeft:
			line = padLeft(l, inner)
		default:
			return ""
		}

		parts = append(parts, boxSide+line+boxSide)
	}

	parts = append(parts, boxBottomLeft+strings.Repeat(boxBottom, inner)+boxBottomRight)

	return strings.Join(parts, "\n")
}

func countGraphic(s string) int {
	count := 0

	for _, r := range s {
		if unicode.IsGraphic(r) {
			count++
		}
	}

	return count
}

func truncateGraphic(s string, n int) (string, int) {
	var out strings.Builder

	count := 0

	for _, r := range s {
		if unicode.IsGraphic(r) {
			count++
		}

		if count > n {
			count = n

			break
		}

		out.WriteRune(r)
	}

	return out.String(), count
}

func fit(text string, width int) (string, int) {
	length := countGraphic(text)
	if length <= width {
		return text, length
	}

	str, length := truncateGraphic(text, width-truncateReserve)

	return str + ellipsis, length + 1
}

func padCenter(text string, width int) string {
	str, length := fit(text, width)
	diff := width - length
	leftPad := diff / halfDivisor

	return fmt.Sprintf("%s%s%s", strings.Repeat(" ", leftPad), str, strings.Repeat(" ", diff-leftPad))
}

func padLeft(text string, width int) string {
	str, length := fit(text, width)

	return str + strings.Repeat(" ", width-length)
}
