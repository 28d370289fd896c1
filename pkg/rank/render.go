package rank

import (
	"fmt"
	"strings"

	"github.com/daviddao/stationbot/pkg/model"
)

// DefaultHashtags close every ranking post.
const DefaultHashtags = "#bot #すてーしょんランキング"

var medals = []string{"🥇", "🥈", "🥉"}

// WindowLabel renders a window as "00:00〜23:30(JST)".
func WindowLabel(w model.Window) string {
	return fmt.Sprintf("%s〜%s(%s)", w.Start.Format("15:04"), w.End.Format("15:04"), w.Start.Format("MST"))
}

// Render formats a ranking as note text. topN only affects the title.
func Render(r model.Ranking, topN int, hashtags string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**本日の投稿数ランキング (Top %d)** \n%s %s\n", topN, r.DateKey, WindowLabel(r.Window))

	if len(r.Rows) == 0 {
		b.WriteString("\n集計対象の投稿がありませんでした。")
		return b.String()
	}

	b.WriteString("\n")
	for i, row := range r.Rows {
		icon := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			icon = medals[i]
		}
		fmt.Fprintf(&b, "%s **%d回**: %s (ID:%s)\n", icon, row.Count, row.Label(), row.Username)
	}
	fmt.Fprintf(&b, "\n(参加者数: %d人)", r.TotalActors)
	if hashtags != "" {
		b.WriteString(" " + hashtags)
	}
	return b.String()
}
