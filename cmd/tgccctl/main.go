// Command tgccctl is a small admin CLI for the tgccd daemon's control
// socket: ping it, inspect an agent's supervisor status, or push a message
// into a running session without going through a chat network.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tgccd/tgccd/internal/adminsocket"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "tgccctl",
		Short: "control socket client for tgccd",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", envOr("TGCCD_SOCKET", "/tmp/tgccd.sock"), "path to the daemon's control socket")

	root.AddCommand(pingCmd(&socketPath))
	root.AddCommand(statusCmd(&socketPath))
	root.AddCommand(sendCmd(&socketPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check that the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(*socketPath, "ping", adminsocket.PingArgs{})
			if err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	}
}

func statusCmd(socketPath *string) *cobra.Command {
	var workingDir, sessionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show a session's supervisor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(*socketPath, "status", adminsocket.StatusArgs{WorkingDir: workingDir, SessionID: sessionID})
			if err != nil {
				return err
			}
			var result adminsocket.StatusResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return fmt.Errorf("decode status result: %w", err)
			}
			fmt.Printf("session %s (%s)\n  state:    %s\n  activity: %s\n  cost:     $%.4f\n",
				result.SessionID, result.WorkingDir, result.State, result.Activity, result.Cost)
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "repo working directory to look up")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to look up")
	cmd.MarkFlagRequired("working-dir")
	return cmd
}

func sendCmd(socketPath *string) *cobra.Command {
	var workingDir, sessionID, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "push a text message into a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(*socketPath, "send", adminsocket.SendArgs{WorkingDir: workingDir, SessionID: sessionID, Text: text})
			if err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "repo working directory")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&text, "text", "", "message text to send")
	cmd.MarkFlagRequired("working-dir")
	cmd.MarkFlagRequired("text")
	return cmd
}

func call(socketPath, command string, args any) (adminsocket.Response, error) {
	client, err := adminsocket.Dial(socketPath)
	if err != nil {
		return adminsocket.Response{}, err
	}
	defer client.Close()

	resp, err := client.Call(command, args)
	if err != nil {
		return adminsocket.Response{}, err
	}
	if !resp.OK {
		return adminsocket.Response{}, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
