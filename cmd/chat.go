package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gentlabs/gent/internal/event"
	"github.com/gentlabs/gent/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr    string
		token   string
		message string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("GENT_GATEWAY_TOKEN")
			}
			return runChat(addr, token, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:18700", "gateway address")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default: $GENT_GATEWAY_TOKEN)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

type chatClient struct {
	conn    *websocket.Conn
	ctx     context.Context
	scanner *bufio.Scanner
}

// clientFrame is the union of response and event frames; Type discriminates.
type clientFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	OK      bool                `json:"ok,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`
	Event   string              `json:"event,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

func runChat(addr, token, message string) error {
	ctx := context.Background()

	url := fmt.Sprintf("ws://%s/ws", addr)
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	c := &chatClient{conn: conn, ctx: ctx, scanner: bufio.NewScanner(os.Stdin)}

	cwd, _ := os.Getwd()
	var created struct {
		SessionID string `json:"sessionId"`
		BranchID  string `json:"branchId"`
		Name      string `json:"name"`
	}
	if err := c.call(protocol.MethodCreateSession, map[string]any{"cwd": cwd}, &created); err != nil {
		return err
	}
	if err := c.call(protocol.MethodSubscribeEvents, map[string]any{"sessionId": created.SessionID}, nil); err != nil {
		return err
	}

	if message != "" {
		return c.sendAndStream(created.SessionID, created.BranchID, message)
	}

	fmt.Fprintf(os.Stderr, "gent chat (session %s)\n", created.SessionID[:8])
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/compact" to compact the branch`)
	for {
		fmt.Fprint(os.Stderr, "\n> ")
		if !c.scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(c.scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/compact":
			if err := c.call(protocol.MethodCompactBranch, map[string]any{
				"sessionId": created.SessionID, "branchId": created.BranchID,
			}, nil); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			continue
		}
		if err := c.sendAndStream(created.SessionID, created.BranchID, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// call sends one request and waits for its response, handling any event
// frames that arrive first.
func (c *chatClient) call(method string, params any, result any) error {
	id := uuid.NewString()[:8]
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := wsjson.Write(c.ctx, c.conn, protocol.RequestFrame{
		Type: protocol.FrameRequest, ID: id, Method: method, Params: raw,
	}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	for {
		f, err := c.read()
		if err != nil {
			return err
		}
		if f.Type != protocol.FrameResponse || f.ID != id {
			c.handleEvent(f)
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return fmt.Errorf("%s: %s", method, f.Error.Message)
			}
			return fmt.Errorf("%s failed", method)
		}
		if result != nil {
			return json.Unmarshal(f.Result, result)
		}
		return nil
	}
}

func (c *chatClient) read() (clientFrame, error) {
	var f clientFrame
	if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
		return f, fmt.Errorf("read: %w", err)
	}
	return f, nil
}

// sendAndStream sends one message and renders events until the turn ends.
func (c *chatClient) sendAndStream(sessionID, branchID, content string) error {
	if err := c.call(protocol.MethodSendMessage, map[string]any{
		"sessionId": sessionID, "branchId": branchID, "content": content,
	}, nil); err != nil {
		return err
	}
	for {
		f, err := c.read()
		if err != nil {
			return err
		}
		done, err := c.handleEvent(f)
		if err != nil {
			return err
		}
		if done {
			fmt.Println()
			return nil
		}
	}
}

// handleEvent renders one event frame. It reports true when the turn is over.
func (c *chatClient) handleEvent(f clientFrame) (bool, error) {
	if f.Type != protocol.FrameEvent {
		return false, nil
	}
	switch event.Type(f.Event) {
	case event.TypeStreamChunk:
		var p event.StreamChunkPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			fmt.Print(p.Text)
		}
	case event.TypeToolCallStarted:
		var p event.ToolCallStartedPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			fmt.Fprintf(os.Stderr, "\n  [tool] %s\n", p.ToolName)
		}
	case event.TypeToolCallCompleted:
		var p event.ToolCallCompletedPayload
		if json.Unmarshal(f.Payload, &p) == nil && p.IsError {
			fmt.Fprintf(os.Stderr, "  [tool] %s -> error\n", p.ToolName)
		}
	case event.TypePermissionRequested:
		var p event.PermissionRequestedPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			if err := c.promptPermission(p); err != nil {
				return false, err
			}
		}
	case event.TypePlanPresented:
		var p event.PlanPresentedPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			if err := c.promptPlan(p); err != nil {
				return false, err
			}
		}
	case event.TypeQuestionsAsked:
		var p event.QuestionsAskedPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			if err := c.promptQuestions(p); err != nil {
				return false, err
			}
		}
	case event.TypeErrorOccurred:
		var p event.ErrorOccurredPayload
		if json.Unmarshal(f.Payload, &p) == nil {
			fmt.Fprintf(os.Stderr, "\nagent error: %s\n", p.Message)
		}
		return true, nil
	case event.TypeTurnCompleted:
		return true, nil
	}
	return false, nil
}

func (c *chatClient) promptPermission(p event.PermissionRequestedPayload) error {
	fmt.Fprintf(os.Stderr, "\n  %s wants to run with input %s\n", p.ToolName, string(p.Input))
	fmt.Fprint(os.Stderr, "  allow? [y]es / [a]lways / [n]o: ")
	answer := c.readLine()
	return c.call(protocol.MethodRespondPermission, map[string]any{
		"requestId": p.RequestID,
		"allow":     answer == "y" || answer == "a",
		"persist":   answer == "a",
	}, nil)
}

func (c *chatClient) promptPlan(p event.PlanPresentedPayload) error {
	fmt.Fprintf(os.Stderr, "\n  plan written to %s\n", p.PlanPath)
	fmt.Fprint(os.Stderr, "  proceed? [y/n]: ")
	answer := c.readLine()
	params := map[string]any{"requestId": p.RequestID, "confirmed": answer == "y"}
	if answer != "y" {
		fmt.Fprint(os.Stderr, "  reason: ")
		params["reason"] = c.readLine()
	}
	return c.call(protocol.MethodRespondPlan, params, nil)
}

func (c *chatClient) promptQuestions(p event.QuestionsAskedPayload) error {
	answers := make([][]string, len(p.Questions))
	for i, q := range p.Questions {
		fmt.Fprintf(os.Stderr, "\n  %s\n", q.Prompt)
		for j, opt := range q.Options {
			fmt.Fprintf(os.Stderr, "    %d. %s\n", j+1, opt)
		}
		fmt.Fprint(os.Stderr, "  answer: ")
		answer := c.readLine()
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
			answers[i] = []string{q.Options[n-1]}
		} else {
			answers[i] = []string{answer}
		}
	}
	return c.call(protocol.MethodRespondQuestions, map[string]any{
		"requestId": p.RequestID, "answers": answers,
	}, nil)
}

func (c *chatClient) readLine() string {
	if !c.scanner.Scan() {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(c.scanner.Text()))
}
