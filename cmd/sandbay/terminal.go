package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sandbay/sandbay/pkg/session"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal ID",
	Short: "Open an interactive terminal inside a container",
	Long: `Open an interactive terminal inside a running container. The local
terminal is switched to raw mode and keystrokes are relayed to an
exec process inside the container. If another session is live for the
same container it is evicted; the newest connection wins.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := parseContainerID(args)
		if err != nil {
			return err
		}
		ownerID, isAdmin := actor(cmd)
		command, _ := cmd.Flags().GetString("command")

		stdinFd := int(os.Stdin.Fd())
		cols, rows := uint(80), uint(24)
		if w, h, err := term.GetSize(stdinFd); err == nil {
			cols, rows = uint(w), uint(h)
		}

		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("failed to set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)

		sink := &stdioSink{done: make(chan int, 1)}
		svc := session.NewService(store, rt, cfg)
		connID := uuid.NewString()

		ctx := context.Background()
		if err := svc.OpenTerminal(ctx, connID, id, ownerID, isAdmin, command, cols, rows, sink); err != nil {
			term.Restore(stdinFd, oldState)
			return err
		}
		defer svc.CloseOnDisconnect(ctx, connID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		go func() {
			<-sigCh
			term.Restore(stdinFd, oldState)
			svc.CloseOnDisconnect(ctx, connID)
			os.Exit(0)
		}()

		// Relay stdin until the session ends.
		inputDone := make(chan struct{})
		go func() {
			defer close(inputDone)
			buf := make([]byte, 1024)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					svc.SendInput(connID, buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()

		code := <-sink.done
		term.Restore(stdinFd, oldState)
		if code != 0 {
			fmt.Printf("\nSession ended with exit code %d\n", code)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Stream a container's logs",
	Long: `Stream a container's logs: the most recent lines first, then a live
follow until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := parseContainerID(args)
		if err != nil {
			return err
		}
		ownerID, isAdmin := actor(cmd)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		svc := session.NewService(store, rt, cfg)
		ch, err := svc.StreamLogs(ctx, id, ownerID, isAdmin)
		if err != nil {
			return err
		}
		for chunk := range ch {
			os.Stdout.Write(chunk)
		}
		return nil
	},
}

func init() {
	terminalCmd.Flags().String("owner", "admin", "Owner the operation runs as")
	terminalCmd.Flags().Bool("admin", false, "Act with admin rights on any container")
	terminalCmd.Flags().String("command", "/bin/bash", "Command to run inside the container")

	logsCmd.Flags().String("owner", "admin", "Owner the operation runs as")
	logsCmd.Flags().Bool("admin", false, "Act with admin rights on any container")
}

// stdioSink writes session events to the local terminal.
type stdioSink struct {
	done chan int
}

func (s *stdioSink) Output(p []byte) {
	os.Stdout.Write(p)
}

func (s *stdioSink) Exit(code int) {
	select {
	case s.done <- code:
	default:
	}
}

func (s *stdioSink) Error(message string) {
	fmt.Fprintf(os.Stderr, "\r\nsession error: %s\r\n", message)
	select {
	case s.done <- 1:
	default:
	}
}

func (s *stdioSink) Superseded() {
	select {
	case s.done <- 1:
	default:
	}
}
