package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/event"
)

var (
	chatAgent   string
	chatSession string
	chatFiles   []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run a single turn in the terminal",
	Long: `Sends one message to an agent and streams the reply to stdout.

Pass --session to continue an earlier conversation; the id is printed at the
end of every chat run. Image files attached with --file are sent alongside
the message.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "Agent id (default: forge)")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Conversation id to continue")
	chatCmd.Flags().StringArrayVar(&chatFiles, "file", nil, "Image file to attach (repeatable)")
}

func runChat(ctx context.Context, message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	convID := chatSession
	if convID == "" {
		convID, err = rt.orch.StartThread(chatAgent)
		if err != nil {
			return err
		}
	}

	attachments, err := readImages(chatFiles)
	if err != nil {
		return err
	}

	events, unsub := rt.stream.Subscribe(256)
	defer unsub()

	turnID, err := rt.orch.StartTurn(ctx, convID, message, attachments)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ncancelling...")
			_ = rt.orch.CancelTurn(convID, turnID)
		case env, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed mid-turn")
			}
			if env.TurnID != turnID {
				continue
			}
			if done := printEvent(env.Event); done {
				fmt.Printf("\n(conversation: %s)\n", convID)
				return nil
			}
		}
	}
}

// printEvent renders one event for the terminal and reports whether the turn
// is over.
func printEvent(e event.Event) bool {
	switch e.Kind {
	case event.KindTaskMessage:
		fmt.Print(e.Message.Content)
	case event.KindTaskReasoning:
		// Reasoning stays off the terminal; front-ends can show it.
	case event.KindToolCallStart:
		fmt.Fprintf(os.Stderr, "\n· %s %s\n", e.ToolCall.Name, e.ToolCall.Arguments)
	case event.KindToolCallEnd:
		if e.ToolCall.IsError {
			fmt.Fprintf(os.Stderr, "  ✗ %s\n", firstLine(e.ToolCall.Output))
		}
	case event.KindRetryAttempt:
		fmt.Fprintf(os.Stderr, "· retrying in %s: %s\n", e.Retry.Wait, e.Retry.Cause)
	case event.KindInterrupt:
		fmt.Fprintf(os.Stderr, "\nturn interrupted: %s\n", e.Interrupt.Reason)
		return true
	case event.KindTaskComplete:
		fmt.Println()
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// readImages loads image attachments from disk.
func readImages(paths []string) ([]chat.Image, error) {
	var out []chat.Image
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%s is not an image (%s)", path, mime)
		}
		out = append(out, chat.Image{
			Base64:   base64.StdEncoding.EncodeToString(data),
			MimeType: mime,
		})
	}
	return out, nil
}
