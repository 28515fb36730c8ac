/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Mail Append contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command appendctl is a minimal operator harness exercising an append
// session end to end against a GORM-backed (or, with --memory, purely
// in-process) mailbox store. It is not an IMAP protocol CLI — that
// surface stays out of scope (spec §1) — just enough to append a file,
// list a mailbox's records, and copy records between mailboxes for
// manual and integration testing.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/themadorg/mailappend/framework/log"
	"github.com/themadorg/mailappend/framework/metrics"
	"github.com/themadorg/mailappend/internal/acl"
	"github.com/themadorg/mailappend/internal/db"
	"github.com/themadorg/mailappend/internal/events"
	"github.com/themadorg/mailappend/internal/mailbox"
	"github.com/themadorg/mailappend/internal/msgbody"
	"github.com/themadorg/mailappend/internal/session"
)

func main() {
	app := &cli.App{
		Name:  "appendctl",
		Usage: "exercise the message-append core from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "driver", Value: "sqlite3", Usage: "GORM driver (sqlite3, postgres, mysql); ignored with --memory"},
			&cli.StringFlag{Name: "dsn", Value: "appendctl.db", Usage: "data source name; ignored with --memory"},
			&cli.BoolFlag{Name: "memory", Usage: "use an in-process store instead of a database"},
		},
		Commands: []*cli.Command{
			appendCommand(),
			listCommand(),
			copyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "appendctl:", err)
		os.Exit(1)
	}
}

func openStore(ctx *cli.Context) (mailbox.Store, error) {
	if ctx.Bool("memory") {
		return mailbox.NewMemStore("appendctl-data"), nil
	}
	cfg := db.Config{Driver: ctx.String("driver"), DSN: strings.Fields(ctx.String("dsn"))}
	return mailbox.OpenGormStore(cfg, "default", "appendctl-data", log.Logger{Name: "appendctl"})
}

func appendCommand() *cli.Command {
	return &cli.Command{
		Name:      "append",
		Usage:     "append a file into a mailbox as a new message",
		ArgsUsage: "MAILBOX FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "invoking userid; empty means admin delivery"},
			&cli.StringFlag{Name: "flags", Usage: "comma-separated flag names, e.g. \\Seen,\\Flagged"},
		},
		Action: func(ctx *cli.Context) error {
			mailboxName := ctx.Args().Get(0)
			path := ctx.Args().Get(1)
			if mailboxName == "" || path == "" {
				return fmt.Errorf("usage: appendctl append MAILBOX FILE")
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}

			cfg := session.Config{
				Store:     store,
				Events:    events.NopDispatcher{},
				Metrics:   metrics.New(),
				Log:       log.Logger{Name: "appendctl"},
				ParseBody: stubParseBody,
			}

			access := mailbox.AccessInfo{UserID: ctx.String("user"), Admin: ctx.String("user") == ""}
			required := acl.Insert | acl.Lookup
			s, err := session.Setup(cfg, mailboxName, access, required, nil, events.MessageNew)
			if err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				s.Abort()
				return err
			}
			info, err := f.Stat()
			if err != nil {
				f.Close()
				s.Abort()
				return err
			}

			var flagNames []string
			if raw := ctx.String("flags"); raw != "" {
				flagNames = strings.Split(raw, ",")
			}

			err = s.FromStream(f, info.Size(), time.Now(), flagNames)
			f.Close()
			if err != nil {
				return err
			}

			if err := s.Commit(); err != nil {
				return err
			}
			fmt.Printf("appended %s into %s\n", path, mailboxName)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list records currently indexed in a mailbox (memstore only)",
		ArgsUsage: "MAILBOX",
		Action: func(ctx *cli.Context) error {
			mailboxName := ctx.Args().Get(0)
			if mailboxName == "" {
				return fmt.Errorf("usage: appendctl list MAILBOX")
			}
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			mem, ok := store.(*mailbox.MemStore)
			if !ok {
				return fmt.Errorf("list requires --memory")
			}
			for _, rec := range mem.Records(mailboxName) {
				fmt.Printf("uid=%d size=%d flags=%#x internaldate=%s\n", rec.UID, rec.Size, rec.SystemFlags, rec.InternalDate.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func copyCommand() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Usage:     "copy a UID range from one mailbox to another",
		ArgsUsage: "SRC-MAILBOX DST-MAILBOX UID...",
		Action: func(ctx *cli.Context) error {
			src := ctx.Args().Get(0)
			dst := ctx.Args().Get(1)
			uidArgs := ctx.Args().Slice()[2:]
			if src == "" || dst == "" || len(uidArgs) == 0 {
				return fmt.Errorf("usage: appendctl copy SRC-MAILBOX DST-MAILBOX UID...")
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}

			srcHandle, err := store.OpenRead(src)
			if err != nil {
				return err
			}
			defer srcHandle.Close()

			var records []*mailbox.Record
			for _, a := range uidArgs {
				var uid uint32
				if _, err := fmt.Sscanf(a, "%d", &uid); err != nil {
					return fmt.Errorf("bad uid %q: %w", a, err)
				}
				rec, err := srcHandle.CacheRecord(uid)
				if err != nil {
					return err
				}
				records = append(records, rec)
			}

			cfg := session.Config{
				Store:     store,
				Events:    events.NopDispatcher{},
				Metrics:   metrics.New(),
				Log:       log.Logger{Name: "appendctl"},
				ParseBody: stubParseBody,
			}
			access := mailbox.AccessInfo{Admin: true}
			s, err := session.Setup(cfg, dst, access, acl.Insert|acl.Lookup, nil, events.MessageCopy)
			if err != nil {
				return err
			}
			if err := s.Copy(context.Background(), srcHandle, records, false, src == dst); err != nil {
				return err
			}
			if err := s.Commit(); err != nil {
				return err
			}
			fmt.Printf("copied %d record(s) from %s to %s\n", len(records), src, dst)
			return nil
		},
	}
}

// stubParseBody stands in for the out-of-scope MIME parser: it reports
// the file's size and a zero hash, enough to drive append_ctl's
// end-to-end demonstration without a real body-tree implementation.
func stubParseBody(path string) (msgbody.Tree, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return msgbody.Stub{ByteSize: fi.Size()}, nil
}
