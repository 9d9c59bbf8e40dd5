package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const progressWidth = 50

// progressBar renders streaming progress on one redrawn line. The update
// method matches the streamer's Progress callback and does nothing but
// draw.
type progressBar struct {
	w     io.Writer
	done  lipgloss.Style
	todo  lipgloss.Style
	drawn bool
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{
		w:    w,
		done: lipgloss.NewStyle().Bold(true),
		todo: lipgloss.NewStyle().Faint(true),
	}
}

func (p *progressBar) update(written, total uint64) {
	if total == 0 {
		return
	}
	filled := int(written * progressWidth / total)
	if filled > progressWidth {
		filled = progressWidth
	}
	bar := p.done.Render(strings.Repeat("#", filled)) +
		p.todo.Render(strings.Repeat(".", progressWidth-filled))
	fmt.Fprintf(p.w, "\r[%s] %3d%% (%d/%d bytes)", bar, written*100/total, written, total)
	p.drawn = true
}

func (p *progressBar) finish() {
	if p.drawn {
		fmt.Fprintln(p.w)
	}
}
