package console

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run attaches a console for bot to the gateway at addr and blocks until
// the user quits or ctx is canceled.
func Run(ctx context.Context, addr, bot string) error {
	client, err := Dial(ctx, addr, bot)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer func() { _ = client.Close() }()

	p := tea.NewProgram(NewModel(bot, client.Send), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		err := client.ReadLoop(func(data []byte) { p.Send(FrameMsg(data)) })
		p.Send(DisconnectedMsg{Err: err})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}
