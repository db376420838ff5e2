// Package chat is the terminal UI of threadloom console.
package chat

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"threadloom/pkg/bus"
)

// RuntimeInfo is shown in the header.
type RuntimeInfo struct {
	Store  string
	Router string
}

// Options connects the UI to a simulated channel. Typed lines are published on Bus as
// inbound messages from User in Channel; outbound effects on Bus are rendered.
type Options struct {
	Bus     *bus.MessageBus
	Channel string
	User    string
	Info    RuntimeInfo
	// Reset starts a new thread on the next line.
	Reset func()
}

func RunInteractive(ctx context.Context, opts Options) error {
	if opts.Bus == nil {
		return errors.New("message bus is required")
	}

	model := newModel(ctx, opts)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("🧵 Thread closed. Thanks for using threadloom")
}
