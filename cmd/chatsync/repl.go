package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/ledger"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/service"
)

const usage = `commands:
  list                          conversations, most recent first
  messages <conversation>       message log
  send <conversation> <text>    send a text message
  retry <message>               resend a failed or undelivered message
  read <message> <reader>       mark a message read
  recall <message>              recall a sent message
  delete <message>              delete a sent message
  rename <conversation> <name>  rename a group
  leave <conversation>          leave a group
  remove <conversation>         delete a group
  requests                      friend requests
  accept <request>              accept a friend request
  decline <request>             decline a friend request
  resync                        reload the snapshot
  quit`

// repl reads commands from in until EOF or quit.
func repl(ctx context.Context, engine service.SyncService, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, usage)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" {
			return
		}
		if err := run(ctx, engine, out, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func run(ctx context.Context, engine service.SyncService, out io.Writer, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "list":
		printConversations(out, engine.Conversations())
	case "messages":
		if err := need(1); err != nil {
			return err
		}
		printMessages(out, engine.Messages(args[0]))
	case "send":
		if err := need(2); err != nil {
			return err
		}
		msg, err := engine.SendMessage(ctx, ledger.Outgoing{
			ConversationID: args[0],
			Variant:        domain.ContentText,
			Payload:        strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s\n", msg.ID)
	case "retry":
		if err := need(1); err != nil {
			return err
		}
		msg, err := engine.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "queued %s\n", msg.ID)
	case "read":
		if err := need(2); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d updated\n", engine.MarkRead([]string{args[0]}, args[1]))
	case "recall":
		if err := need(1); err != nil {
			return err
		}
		return engine.Recall(ctx, args[0])
	case "delete":
		if err := need(1); err != nil {
			return err
		}
		return engine.DeleteMessage(ctx, args[0])
	case "rename":
		if err := need(2); err != nil {
			return err
		}
		return engine.RenameGroup(ctx, args[0], strings.Join(args[1:], " "))
	case "leave":
		if err := need(1); err != nil {
			return err
		}
		return engine.LeaveGroup(ctx, args[0])
	case "remove":
		if err := need(1); err != nil {
			return err
		}
		return engine.DeleteGroup(ctx, args[0])
	case "requests":
		for _, r := range engine.FriendRequests() {
			fmt.Fprintf(out, "%s  %s -> %s  %s\n", r.ID, r.FromUserID, r.ToUserID, r.Status)
		}
	case "accept":
		if err := need(1); err != nil {
			return err
		}
		return engine.AcceptFriendRequest(ctx, args[0])
	case "decline":
		if err := need(1); err != nil {
			return err
		}
		return engine.DeclineFriendRequest(ctx, args[0])
	case "resync":
		return engine.Resync(ctx)
	default:
		fmt.Fprintln(out, usage)
	}
	return nil
}

func printConversations(out io.Writer, convs []domain.Conversation) {
	table := newTable(out, []string{"ID", "Kind", "Name", "Members", "Last"})
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.SenderID + ": " + c.LastMessage.Preview
		}
		table.Append([]string{c.ID, string(c.Kind), c.DisplayName, fmt.Sprint(c.ParticipantCount), last})
	}
	table.Render()
}

func printMessages(out io.Writer, msgs []domain.Message) {
	table := newTable(out, []string{"Time", "ID", "Sender", "Status", "Text"})
	for _, m := range msgs {
		table.Append([]string{m.CreatedAt.Format("15:04:05"), m.ID, m.SenderID, statusLabel(m), m.Payload})
	}
	table.Render()
}

func statusLabel(m domain.Message) string {
	switch {
	case m.Undelivered:
		return color.New(color.FgYellow).Render(string(m.Status) + " (undelivered)")
	case m.Status == domain.StatusFailed:
		return color.New(color.FgRed).Render(string(m.Status))
	case m.Recalled:
		return string(m.Status) + " (recalled)"
	}
	return string(m.Status)
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	return table
}
