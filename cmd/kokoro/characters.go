package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/kokoro/internal/persona"
)

func runCharacters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("characters", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f commonFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := f.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "kokoro: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, renderCatalogue(buildCatalogue(cfg)))
	return 0
}

func renderCatalogue(cat *persona.Catalogue) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff8fab"))
	id := lipgloss.NewStyle().Bold(true).Width(6)
	group := lipgloss.NewStyle().Foreground(lipgloss.Color("#8ecae6")).Width(4)
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("#8d99ae"))

	def := cat.Default().ID
	var b strings.Builder
	b.WriteString(title.Render("Partners") + "\n")
	for _, a := range cat.Archetypes() {
		mark := "  "
		if a.ID == def {
			mark = "* "
		}
		line := mark + id.Render(a.ID) + group.Render(a.Group) + a.DisplayName()
		if a.Voice != "" {
			line += muted.Render("  voice=" + a.Voice)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + title.Render("Scenarios") + "\n")
	for _, s := range cat.Scenarios() {
		b.WriteString("  " + lipgloss.NewStyle().Bold(true).Render(s.ID) + "  " + s.Label + "\n")
		if s.Point != "" {
			b.WriteString("    " + muted.Render(s.Point) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
