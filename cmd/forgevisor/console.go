package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/cmd/forgevisor/tui"
	"github.com/jamesainslie/forgevisor/pkg/client"
	"github.com/jamesainslie/forgevisor/pkg/daemon"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Attach to the live server console",
	Long: `Attach to the server console through the daemon.

Output streams as it is printed; typed lines are sent as console commands.
With --plain, output goes to stdout and commands are read from stdin.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().Bool("plain", false, "stream to stdout and read commands from stdin")
	consoleCmd.Flags().Int("scrollback", tui.DefaultMaxLines, "lines of scrollback kept")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, c, err := connect()
	if err != nil {
		return err
	}

	status := ""
	ctx, cancel := requestContext()
	if report, err := c.Status(ctx); err == nil {
		status = report.Server.State.String()
	}
	cancel()

	ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	con, err := c.Console(ctx)
	if err != nil {
		return err
	}

	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		return plainConsole(ctx, con)
	}

	scrollback, _ := cmd.Flags().GetInt("scrollback")
	return tui.Run(con, tui.Options{Title: cfg.Server.Dir, Status: status, MaxLines: scrollback})
}

// plainConsole copies console lines to stdout and stdin lines to the server
// until the stream ends or ctx is cancelled.
func plainConsole(ctx context.Context, con *client.Console) error {
	defer con.Close()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := con.Send(scanner.Text()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-con.Messages():
			if !ok {
				return con.Err()
			}
			printFrame(msg)
		}
	}
}

func printFrame(msg daemon.StreamMessage) {
	switch msg.Event {
	case daemon.StreamLine:
		var line daemon.LineMessage
		if json.Unmarshal(msg.Data, &line) == nil {
			fmt.Println(line.Raw)
		}
	case daemon.StreamError:
		var resp daemon.ErrorResponse
		if json.Unmarshal(msg.Data, &resp) == nil {
			printError("%s", resp.Error)
		}
	default:
		printVerbose("%s %s", msg.Event, msg.Data)
	}
}
