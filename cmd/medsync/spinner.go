package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const spinnerDelay = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spin animates message on w until ctx is done. Outside a terminal it
// prints the message once.
func spin(ctx context.Context, w io.Writer, message string) (stop func()) {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", message)
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	style := lipgloss.NewStyle().Foreground(colorAccent)

	go func() {
		defer close(done)
		ticker := time.NewTicker(spinnerDelay)
		defer ticker.Stop()
		for i := 0; ; i++ {
			fmt.Fprintf(w, "\r%s %s", style.Render(spinnerFrames[i%len(spinnerFrames)]), message)
			select {
			case <-ctx.Done():
				// Braille frames render two columns wide.
				fmt.Fprint(w, "\r"+strings.Repeat(" ", len(message)+8)+"\r")
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// runWithSpinner runs op while a spinner animates.
func runWithSpinner(ctx context.Context, w io.Writer, message string, op func() error) error {
	stop := spin(ctx, w, message)
	err := op()
	stop()
	return err
}
