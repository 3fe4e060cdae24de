// Command smsync is a one-shot CLI over the message store and sync engine.
// The daemon (smsyncd) is not required: every command opens the account
// store directly and exits when done.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mkalil/smsync/internal/account"
	"github.com/mkalil/smsync/internal/bus"
	"github.com/mkalil/smsync/internal/config"
	"github.com/mkalil/smsync/internal/outbox"
	"github.com/mkalil/smsync/internal/sms"
	"github.com/mkalil/smsync/internal/status"
	"github.com/mkalil/smsync/internal/store"
	intsync "github.com/mkalil/smsync/internal/sync"
	"github.com/mkalil/smsync/internal/voipms"
)

const usage = `usage: smsync <command> [flags]

commands:
  sync           synchronize with the provider
  send           send a message
  conversations  list conversations
  messages       show a conversation
  read           mark a conversation read
  delete         soft-delete a message
  clear          wipe the local store
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "sync":
		err = cmdSync(os.Args[2:])
	case "send":
		err = cmdSend(os.Args[2:])
	case "conversations":
		err = cmdConversations(os.Args[2:])
	case "messages":
		err = cmdMessages(os.Args[2:])
	case "read":
		err = cmdRead(os.Args[2:])
	case "delete":
		err = cmdDelete(os.Args[2:])
	case "clear":
		err = cmdClear(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles everything a command needs against one account.
type env struct {
	name   string
	acct   config.Account
	db     *store.DB
	client *voipms.Client
}

func newEnv(accountFlag string) (*env, error) {
	name := account.Resolve(accountFlag)
	if err := account.ValidateName(name); err != nil {
		return nil, err
	}
	cfg, err := config.Load(account.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	acct, err := cfg.Account(name)
	if err != nil {
		return nil, err
	}
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if err := account.EnsureDir(name); err != nil {
		return nil, err
	}
	db, err := store.Open(account.DBPath(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	client := voipms.NewClient(voipms.Options{
		BaseURL:        acct.APIURL,
		Username:       acct.Username,
		Password:       acct.Password,
		ConnectTimeout: acct.ConnectTimeout(),
		RequestTimeout: acct.RequestTimeout(),
	})
	return &env{name: name, acct: acct, db: db, client: client}, nil
}

func (e *env) close() {
	_ = e.db.Close()
}

func (e *env) engine(b *bus.Bus) *intsync.Engine {
	return intsync.NewEngine(e.db, e.client, b, status.NewSet(b), nil, intsync.Config{
		StartDate:                e.acct.Start(),
		Overlap:                  e.acct.SyncOverlap(),
		MatchTolerance:           e.acct.MatchTolerance(),
		RetentionDays:            e.acct.RetentionDays,
		RestoreDeleted:           e.acct.RestoreDeleted,
		PropagateLocalDeletions:  e.acct.PropagateLocalDeletions,
		PropagateRemoteDeletions: e.acct.PropagateRemoteDeletions,
	})
}

func cmdSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	didFlag := fs.String("did", "", "synchronize a single DID")
	_ = fs.Parse(args)

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()

	dids := e.acct.DIDs
	if *didFlag != "" {
		dids = []string{*didFlag}
	}

	engine := e.engine(bus.New())
	for _, did := range dids {
		summary, err := engine.Synchronize(context.Background(), did)
		if err != nil {
			return fmt.Errorf("sync %s: %w", did, err)
		}
		fmt.Printf("%s: fetched=%d new=%d updated=%d confirmed=%d purged=%d\n",
			did, summary.Fetched, summary.New, summary.Updated, summary.Confirmed, summary.Purged)
	}
	return nil
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	didFlag := fs.String("did", "", "sending DID (default: first configured)")
	toFlag := fs.String("to", "", "destination number")
	_ = fs.Parse(args)

	body := strings.Join(fs.Args(), " ")
	if *toFlag == "" || body == "" {
		return fmt.Errorf("send requires -to and a message body")
	}

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()

	did := *didFlag
	if did == "" {
		did = e.acct.DIDs[0]
	}

	b := bus.New()
	outcome, unsub := b.Subscribe("message.", 8)
	defer unsub()

	tracker := outbox.NewTracker(e.db, e.client, b, nil)
	ctx := context.Background()
	tracker.Start(ctx)
	defer tracker.Stop()

	id, err := tracker.Send(ctx, did, *toFlag, body)
	if err != nil {
		return err
	}
	fmt.Printf("queued message %d\n", id)

	deadline := time.After(2 * time.Minute)
wait:
	for {
		select {
		case evt := <-outcome:
			switch evt.Kind {
			case bus.KindMessageSendFailed:
				failure := evt.Payload.(outbox.SendFailure)
				return fmt.Errorf("send failed: %w", failure.Err)
			case bus.KindMessageSubmitted:
				fmt.Println("submitted")
				break wait
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for submission")
		}
	}

	// Pick up the server-acknowledged copy right away.
	if _, err := e.engine(b).Synchronize(ctx, did); err != nil {
		fmt.Fprintf(os.Stderr, "warning: post-send sync failed: %v\n", err)
	}
	return nil
}

func cmdConversations(args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	didFlag := fs.String("did", "", "DID (default: first configured)")
	_ = fs.Parse(args)

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()

	did := *didFlag
	if did == "" {
		did = e.acct.DIDs[0]
	}

	convs, err := e.db.AllConversations(did)
	if err != nil {
		return err
	}
	for _, c := range convs {
		m := c.MostRecent()
		marker := " "
		if c.Unread() {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  %s\n", marker, m.Contact,
			m.Time.Local().Format("2006-01-02 15:04"), preview(m.Body))
	}
	return nil
}

func cmdMessages(args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	didFlag := fs.String("did", "", "DID (default: first configured)")
	contactFlag := fs.String("contact", "", "contact number")
	_ = fs.Parse(args)

	if *contactFlag == "" {
		return fmt.Errorf("messages requires -contact")
	}

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()

	did := *didFlag
	if did == "" {
		did = e.acct.DIDs[0]
	}

	conv, err := e.db.GetConversation(did, *contactFlag)
	if err != nil {
		return err
	}
	msgs := conv.Messages()
	// Oldest first reads naturally in a terminal.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		arrow := "<-"
		if m.Direction == sms.Outgoing {
			arrow = "->"
		}
		fmt.Printf("%s %s [%s] %s\n", m.Time.Local().Format("2006-01-02 15:04"),
			arrow, m.Delivery, m.Body)
	}
	return nil
}

func cmdRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	didFlag := fs.String("did", "", "DID (default: first configured)")
	contactFlag := fs.String("contact", "", "contact number")
	_ = fs.Parse(args)

	if *contactFlag == "" {
		return fmt.Errorf("read requires -contact")
	}

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()

	did := *didFlag
	if did == "" {
		did = e.acct.DIDs[0]
	}
	return e.db.MarkConversationRead(did, *contactFlag)
}

func cmdDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	idFlag := fs.Int64("id", 0, "local message id")
	_ = fs.Parse(args)

	if *idFlag == 0 {
		return fmt.Errorf("delete requires -id")
	}

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()
	return e.db.MarkMessageDeleted(*idFlag)
}

func cmdClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	accountFlag := fs.String("account", "", "account name")
	yesFlag := fs.Bool("yes", false, "confirm wiping the local store")
	_ = fs.Parse(args)

	if !*yesFlag {
		return fmt.Errorf("refusing to wipe without -yes")
	}

	e, err := newEnv(*accountFlag)
	if err != nil {
		return err
	}
	defer e.close()
	return e.db.RemoveAllMessages()
}

func preview(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) > 60 {
		return body[:60] + "…"
	}
	return body
}
