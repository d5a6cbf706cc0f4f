package state

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Stats aggregates the outcome of one sync round for one store. "Here"
// counters are mutations applied locally; "Peer" counters are mutations
// the peer confirmed applying on its side.
type Stats struct {
	Mode SyncType

	HereAdd int
	HereMod int
	HereDel int
	HereErr int

	PeerAdd int
	PeerMod int
	PeerDel int
	PeerErr int

	Conflicts int
	Merged    int
}

// Merge folds another round's counters into this one.
func (s *Stats) Merge(o *Stats) {
	if o == nil {
		return
	}
	s.HereAdd += o.HereAdd
	s.HereMod += o.HereMod
	s.HereDel += o.HereDel
	s.HereErr += o.HereErr
	s.PeerAdd += o.PeerAdd
	s.PeerMod += o.PeerMod
	s.PeerDel += o.PeerDel
	s.PeerErr += o.PeerErr
	s.Conflicts += o.Conflicts
	s.Merged += o.Merged
}

// Zero reports whether every counter is zero.
func (s *Stats) Zero() bool {
	return s.HereAdd == 0 && s.HereMod == 0 && s.HereDel == 0 && s.HereErr == 0 &&
		s.PeerAdd == 0 && s.PeerMod == 0 && s.PeerDel == 0 && s.PeerErr == 0 &&
		s.Conflicts == 0 && s.Merged == 0
}

func (s *Stats) String() string {
	return fmt.Sprintf("%s: here +%d ~%d -%d !%d | peer +%d ~%d -%d !%d | conflicts %d merged %d",
		s.Mode, s.HereAdd, s.HereMod, s.HereDel, s.HereErr,
		s.PeerAdd, s.PeerMod, s.PeerDel, s.PeerErr, s.Conflicts, s.Merged)
}

var (
	reportTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	reportHeaderStyle = lipgloss.NewStyle().Bold(true)
	reportTotalStyle  = lipgloss.NewStyle().Faint(true)
	reportBoxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Describe renders a per-store report of the given stats map, one row
// per source URI, plus a totals row.
func Describe(w io.Writer, title string, stats map[string]*Stats) {
	cols := []string{"Source", "Mode", "Add", "Mod", "Del", "Err", "PAdd", "PMod", "PDel", "PErr", "Cfl", "Mrg"}
	rows := [][]string{}

	total := &Stats{}
	for _, uri := range sortedStatKeys(stats) {
		st := stats[uri]
		total.Merge(st)
		rows = append(rows, []string{
			uri, st.Mode.String(),
			fmt.Sprint(st.HereAdd), fmt.Sprint(st.HereMod), fmt.Sprint(st.HereDel), fmt.Sprint(st.HereErr),
			fmt.Sprint(st.PeerAdd), fmt.Sprint(st.PeerMod), fmt.Sprint(st.PeerDel), fmt.Sprint(st.PeerErr),
			fmt.Sprint(st.Conflicts), fmt.Sprint(st.Merged),
		})
	}
	totalRow := []string{
		"total", "",
		fmt.Sprint(total.HereAdd), fmt.Sprint(total.HereMod), fmt.Sprint(total.HereDel), fmt.Sprint(total.HereErr),
		fmt.Sprint(total.PeerAdd), fmt.Sprint(total.PeerMod), fmt.Sprint(total.PeerDel), fmt.Sprint(total.PeerErr),
		fmt.Sprint(total.Conflicts), fmt.Sprint(total.Merged),
	}

	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, r := range append(rows, totalRow) {
		for i, cell := range r {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		return strings.Join(parts, "  ")
	}

	body := []string{reportHeaderStyle.Render(line(cols))}
	for _, r := range rows {
		body = append(body, line(r))
	}
	body = append(body, reportTotalStyle.Render(line(totalRow)))

	out := lipgloss.JoinVertical(lipgloss.Left,
		reportTitleStyle.Render(title),
		reportBoxStyle.Render(strings.Join(body, "\n")),
	)
	fmt.Fprintln(w, out)
}

func sortedStatKeys(stats map[string]*Stats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
