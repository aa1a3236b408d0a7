package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var addr string
	var resumeID string
	var orch bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, resumeID, orch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:18890", "gateway address")
	cmd.Flags().StringVar(&resumeID, "resume", "", "backend session id to resume")
	cmd.Flags().BoolVar(&orch, "orchestrator", false, "talk to the orchestrator instead of a plain agent session")
	return cmd
}

func runChat(addr, resumeID string, orch bool) {
	endpoint := "/ws/session"
	if orch {
		endpoint = "/ws/orchestrator"
	}
	wsURL := fmt.Sprintf("ws://%s%s", addr, endpoint)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	start := protocol.Request{
		Type:        protocol.MsgStart,
		LocalID:     uuid.NewString(),
		ResumeSDKID: resumeID,
	}
	if err := conn.WriteJSON(start); err != nil {
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
		os.Exit(1)
	}

	// Frame printer: deltas stream inline, everything else gets a line.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printFrame(raw)
		}
	}()

	fmt.Fprintln(os.Stderr, "maestro chat — type \"exit\" to quit, \"/interrupt\" to interrupt")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		req := protocol.Request{Type: protocol.MsgSend, Text: input}
		if input == "/interrupt" {
			req = protocol.Request{Type: protocol.MsgInterrupt}
		} else if strings.HasPrefix(input, "/") && !orch {
			req = protocol.Request{Type: protocol.MsgCommand, Text: input}
		}
		if err := conn.WriteJSON(req); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
			break
		}
	}
	conn.Close()
	<-done
}

func printFrame(raw []byte) {
	var frame map[string]any
	if json.Unmarshal(raw, &frame) != nil {
		return
	}
	switch frame["type"] {
	case "text_delta":
		fmt.Print(frame["text"])
	case "text_complete":
		fmt.Println()
	case "tool_use":
		fmt.Printf("\n[tool %v]\n", frame["tool_name"])
	case "tool_progress":
		fmt.Printf("[%v running, %.0fs]\n", frame["tool_name"], frame["elapsed"])
	case "turn_complete":
		fmt.Println()
	case "error":
		fmt.Printf("\n[error: %v %v]\n", frame["error"], frame["detail"])
	case "session_started":
		fmt.Fprintf(os.Stderr, "session: %v\n", frame["session_id"])
	}
}
