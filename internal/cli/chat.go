package cli

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chillspace/internal/app"
	"chillspace/pkg/apperr"
	"chillspace/pkg/conversation"
	"chillspace/pkg/models"
	"chillspace/pkg/state/logger"
)

const chatHelp = `Type a message and press enter to send it. Commands:
  /reply <id> <text>   reply to a message
  /react <id> <emoji>  add or remove a reaction
  /edit <id> <text>    edit one of your messages
  /pin <id>            pin a message
  /unpin <id>          unpin a message
  /pinned              list pinned messages
  /delete <id>         delete a message
  /retry <id>          resend a failed message
  /discard <id>        drop a failed message
  /quit                leave
Start a message with // to send a line beginning with /.`

func newChatCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [channel]",
		Short: "Open a channel and chat from the terminal",
		Long: `Open a channel, print its history and follow new messages. Lines read
from stdin are sent; /help lists the commands. Without an argument the
default channel is opened.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				ch, err := resolveChannel(ctx, a, ref)
				if err != nil {
					return err
				}
				return runConversation(ctx, a, models.ChannelConversation(ch), "#"+ch.Name, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

func newDMCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <username>",
		Short: "Open a direct conversation with another member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				me, err := a.Cache().Profile(ctx, false)
				if err != nil {
					return err
				}
				peer, err := resolvePeer(ctx, a, args[0])
				if err != nil {
					return err
				}
				if peer.ID == me.ID {
					return apperr.Validation("dm", "cannot open a conversation with yourself")
				}
				return runConversation(ctx, a, models.DirectConversation(me.ID, peer.ID), "@"+peer.DisplayName(), cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

// runConversation follows ref until in is exhausted, /quit is read or ctx
// is cancelled.
func runConversation(ctx context.Context, a *app.App, ref models.ConversationRef, title string, in io.Reader, out io.Writer) error {
	if err := a.Run(ctx); err != nil {
		return err
	}
	if err := a.StartPresence(ctx); err != nil {
		logger.Warn("presence_start_failed", "error", err)
	}
	me, err := a.Cache().Profile(ctx, false)
	if err != nil {
		return err
	}
	pr := newPrinter(out, func(userID string) string {
		if userID == me.ID {
			return me.DisplayName()
		}
		if p, ok := a.Cache().CachedPeer(userID); ok {
			return p.DisplayName()
		}
		return userID
	})

	s := a.Conversation(pr.snapshot)
	defer s.Close()
	pr.linef("== %s ==", title)
	if err := s.Open(ctx, ref); err != nil {
		return err
	}
	pr.linef("(type /help for commands)")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := handleLine(ctx, s, pr, line)
			if err != nil {
				pr.linef("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

type chatCommand struct {
	name string
	rest string
}

// parseLine splits a command line. ok is false for plain messages, whose
// text is returned in rest.
func parseLine(line string) (chatCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return chatCommand{rest: line}, false
	}
	if strings.HasPrefix(line, "//") {
		return chatCommand{rest: line[1:]}, false
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	return chatCommand{name: strings.ToLower(name), rest: strings.TrimSpace(rest)}, true
}

// splitRef splits "<id> <text>" into its two parts.
func splitRef(rest string) (string, string) {
	id, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	return id, strings.TrimSpace(text)
}

// messageCommands take a message id as their first argument.
var messageCommands = map[string]bool{
	"reply": true, "react": true, "edit": true, "pin": true, "unpin": true,
	"delete": true, "retry": true, "discard": true,
}

func handleLine(ctx context.Context, s *conversation.Session, pr *printer, line string) (bool, error) {
	cmd, isCmd := parseLine(line)
	if !isCmd {
		if cmd.rest == "" {
			return false, nil
		}
		_, err := s.Send(ctx, cmd.rest)
		return false, err
	}

	switch cmd.name {
	case "quit", "exit":
		return true, nil
	case "help":
		pr.linef("%s", chatHelp)
		return false, nil
	case "pinned":
		pinned := s.Pinned()
		if len(pinned) == 0 {
			pr.linef("(nothing pinned)")
		}
		for _, m := range pinned {
			pr.linef("* %s", pr.format(m))
		}
		return false, nil
	}

	if !messageCommands[cmd.name] {
		return false, apperr.Validationf("chat", "unknown command /%s, try /help", cmd.name)
	}
	id, text := splitRef(cmd.rest)
	m, err := resolveMessage(s.Messages(), id)
	if err != nil {
		return false, err
	}
	switch cmd.name {
	case "reply":
		_, err = s.Reply(ctx, m.ID, text)
	case "react":
		if text == "" {
			return false, apperr.Validation("react", "emoji is required")
		}
		_, err = s.ToggleReaction(ctx, m.ID, text)
	case "edit":
		_, err = s.Edit(ctx, m.ID, text)
	case "pin":
		_, err = s.Pin(ctx, m.ID)
	case "unpin":
		_, err = s.Unpin(ctx, m.ID)
	case "delete":
		err = s.Delete(ctx, m.ID)
	case "retry":
		_, err = s.Retry(ctx, m.ClientID)
	case "discard":
		err = s.Discard(m.ClientID)
	}
	return false, err
}

// resolveMessage finds a message by id, client id or an unambiguous prefix
// of either.
func resolveMessage(ms []models.Message, ref string) (models.Message, error) {
	if ref == "" {
		return models.Message{}, apperr.Validation("message", "message id is required")
	}
	for _, m := range ms {
		if m.ID == ref || (m.ClientID != "" && m.ClientID == ref) {
			return m, nil
		}
	}
	var matches []models.Message
	for _, m := range ms {
		if strings.HasPrefix(m.ID, ref) || (m.ClientID != "" && strings.HasPrefix(m.ClientID, ref)) {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return models.Message{}, apperr.NotFound("message", ref)
	case 1:
		return matches[0], nil
	default:
		return models.Message{}, apperr.Validationf("message", "%q matches %d messages", ref, len(matches))
	}
}
