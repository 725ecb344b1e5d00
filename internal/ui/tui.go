// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program that fronts the session coordinator
package ui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonect/jonect-go/internal/app"
)

// Run shows the TUI until the user quits, the coordinator stops or ctx ends
func Run(ctx context.Context, commander Commander, statuses <-chan app.Status, address string) error {
	p := tea.NewProgram(
		NewModel(commander, statuses, address),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
