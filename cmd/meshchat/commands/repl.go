package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/meshledger"
	"github.com/opd-ai/meshledger/ledger"
	"github.com/opd-ai/meshledger/link"
)

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

// line is one parsed input line. A line without a leading slash is a
// broadcast text message.
type line struct {
	verb string
	args []string
	text string
}

func parseLine(raw string) (line, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return line{}, nil
	}
	if !strings.HasPrefix(raw, "/") {
		return line{verb: "say", text: raw}, nil
	}

	fields := strings.Fields(raw)
	verb := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]
	rest := func(n int) string {
		// Text after the first n arguments, spacing preserved.
		s := strings.TrimSpace(strings.TrimPrefix(raw, fields[0]))
		for i := 0; i < n; i++ {
			s = strings.TrimSpace(strings.TrimPrefix(s, args[i]))
		}
		return s
	}

	switch verb {
	case "to":
		if len(args) < 2 {
			return line{}, fmt.Errorf("%w: /to <device-id> <text>", errUsage)
		}
		return line{verb: verb, args: args[:1], text: rest(1)}, nil
	case "file":
		if len(args) < 1 || len(args) > 2 {
			return line{}, fmt.Errorf("%w: /file <path> [device-id]", errUsage)
		}
		return line{verb: verb, args: args}, nil
	case "pair":
		if len(args) < 1 {
			return line{}, fmt.Errorf("%w: /pair <payload>", errUsage)
		}
		return line{verb: verb, text: rest(0)}, nil
	case "group":
		if len(args) != 2 {
			return line{}, fmt.Errorf("%w: /group <name> <members>", errUsage)
		}
		if _, err := strconv.Atoi(args[1]); err != nil {
			return line{}, fmt.Errorf("%w: members must be a number", errUsage)
		}
		return line{verb: verb, args: args}, nil
	case "read", "connect", "disconnect":
		if len(args) != 1 {
			return line{}, fmt.Errorf("%w: /%s <arg>", errUsage, verb)
		}
		return line{verb: verb, args: args}, nil
	case "peers", "contacts", "groups", "audit", "scan", "id", "history", "quit", "help":
		return line{verb: verb}, nil
	default:
		return line{}, fmt.Errorf("%w: unknown command /%s (try /help)", errUsage, verb)
	}
}

const helpText = `text            broadcast to everyone in range
/to <id> <text> seal a message for a contact
/file <path> [id]
/pair <payload> add a contact from a pairing payload
/group <name> <members>
/read <hash>    mark a received record read
/scan /connect <addr> /disconnect <addr>
/peers /contacts /groups /history /audit /id /quit
`

// execute runs one parsed line against node and writes the outcome to out.
func execute(ctx context.Context, node *meshledger.Node, l line, out io.Writer) error {
	switch l.verb {
	case "":
		return nil
	case "say":
		return printSend(out, <-node.SendText(l.text, ""))
	case "to":
		return printSend(out, <-node.SendText(l.text, l.args[0]))
	case "file":
		data, err := os.ReadFile(l.args[0])
		if err != nil {
			return err
		}
		msg := meshledger.FileMessage{Kind: fileKind(l.args[0]), Name: filepath.Base(l.args[0]), Data: data}
		if len(l.args) == 2 {
			msg.RecipientID = l.args[1]
		}
		return printSend(out, <-node.SendFile(msg))
	case "pair":
		if err := <-node.AddPairedContact(l.text); err != nil {
			return err
		}
		fmt.Fprintln(out, "contact added")
	case "group":
		members, _ := strconv.Atoi(l.args[1])
		return node.CreateGroup(ctx, l.args[0], members)
	case "read":
		return <-node.MarkRead(l.args[0])
	case "scan":
		res := <-node.Link().Scan()
		if res.Err != nil {
			return res.Err
		}
		for _, d := range res.Devices {
			fmt.Fprintf(out, "%s  %s\n", d.Address, d.Name)
		}
	case "connect":
		res := <-node.Link().Connect(l.args[0])
		if res.Err != nil {
			return res.Err
		}
		fmt.Fprintf(out, "linked %s (%s)\n", res.Session.Address, res.Session.State)
	case "disconnect":
		return <-node.Link().Disconnect(l.args[0])
	case "peers":
		for _, s := range node.Sessions() {
			fmt.Fprintf(out, "%-22s %-18s %s\n", s.Address, s.State, s.PeerID)
		}
	case "contacts":
		for id := range node.Contacts() {
			fmt.Fprintln(out, id)
		}
	case "groups":
		groups := node.Groups()
		for _, name := range node.GroupNames() {
			fmt.Fprintf(out, "%s (%d members)\n", name, groups[name].Members)
		}
	case "history":
		for _, r := range node.VisibleMessages() {
			fmt.Fprintln(out, describeRecord(r, nil))
		}
	case "audit":
		printAudit(out, node)
	case "id":
		fmt.Fprintln(out, node.DeviceID())
	case "help":
		fmt.Fprint(out, helpText)
	case "quit":
		return errQuit
	}
	return nil
}

func fileKind(path string) ledger.Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ledger.KindImage
	default:
		return ledger.KindFile
	}
}

func printSend(out io.Writer, res link.SendResult) error {
	if res.Err != nil {
		return res.Err
	}
	status := "clear"
	if res.Sealed {
		status = "sealed"
	}
	fmt.Fprintf(out, "#%d %s sent to %d peer(s)", res.Record.Index, status, len(res.Broadcast.Delivered))
	if res.Pending {
		fmt.Fprint(out, ", parked for relay")
	}
	if res.SealErr != nil {
		fmt.Fprintf(out, " (not sealed: %v)", res.SealErr)
	}
	fmt.Fprintln(out)
	return nil
}

func describeRecord(r *ledger.Record, plaintext []byte) string {
	body := r.Data
	switch {
	case plaintext != nil:
		body = string(plaintext)
	case r.Encrypted():
		body = "<sealed>"
	}
	if r.Kind != ledger.KindText {
		body = fmt.Sprintf("[%s %s] %s", r.Kind, r.FileName, body)
	}
	from := r.SenderID
	if from == "" {
		from = "?"
	}
	return fmt.Sprintf("#%d %s %s: %s", r.Index, short(r.Hash), from, body)
}

func short(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func printAudit(out io.Writer, node *meshledger.Node) {
	chain := node.Chain()
	var sealed, files int
	for _, r := range chain[1:] {
		if r.Encrypted() {
			sealed++
		}
		if r.Kind != ledger.KindText {
			files++
		}
	}
	fmt.Fprintf(out, "records:  %d (genesis + %d)\n", len(chain), len(chain)-1)
	fmt.Fprintf(out, "visible:  %d\n", len(node.VisibleMessages()))
	fmt.Fprintf(out, "sealed:   %d\n", sealed)
	fmt.Fprintf(out, "files:    %d\n", files)
	fmt.Fprintf(out, "pending:  %d\n", node.PendingCount())
	fmt.Fprintf(out, "contacts: %d\n", len(node.Contacts()))
	fmt.Fprintf(out, "tip:      %s\n", chain[len(chain)-1].Hash)
	if err := node.Audit(); err != nil {
		fmt.Fprintf(out, "valid:    no (%v)\n", err)
		return
	}
	fmt.Fprintln(out, "valid:    yes")
}

// printEvent renders one link event; quiet events return false.
func printEvent(out io.Writer, e link.Event) bool {
	switch e.Type {
	case link.EventRecordAppended:
		if e.Local {
			return false
		}
		fmt.Fprintln(out, describeRecord(e.Record, e.Plaintext))
	case link.EventRecordDropped:
		fmt.Fprintf(out, "dropped payload from %s: %s\n", e.Peer, e.Outcome)
	case link.EventContactAdded:
		fmt.Fprintf(out, "contact %s added\n", e.PeerID)
	case link.EventRecordRelayed:
		fmt.Fprintf(out, "relayed #%d to %s\n", e.Record.Index, e.PeerID)
	case link.EventSessionsChanged:
		return false
	}
	return true
}
