package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/cryptox"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/dmitrijs2005/bucketkeeper/internal/taskview"
)

const helpText = `Available commands:
  invoke <command> [json]   send a backend command, e.g. invoke list_buckets {"config":{...}}
  commands                  list backend commands
  unlock                    unlock the account vault
  lock                      lock the account vault
  accounts                  list stored accounts
  moves [bucket [account]]  show move tasks, all active ones by default
  watch [event ...]         print backend events until interrupted
  top                       follow move progress
  exit | quit`

// Exec runs one CLI command. rest is the raw remainder of the line.
func (a *App) Exec(ctx context.Context, cmd, rest string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(a.out, helpText)
		return nil
	case "invoke":
		name, args := splitCommand(rest)
		if name == "" {
			return errors.New("usage: invoke <command> [json]")
		}
		return a.invoke(ctx, name, args)
	case "commands":
		return a.invoke(ctx, "list_commands", "")
	case "unlock":
		return a.unlock(ctx)
	case "lock":
		return a.invoke(ctx, "lock_vault", "")
	case "accounts":
		return a.accounts(ctx)
	case "moves":
		return a.moves(ctx, strings.Fields(rest))
	case "watch":
		return a.watch(ctx, strings.Fields(rest))
	case "top":
		return a.top(ctx, time.Second)
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *App) call(ctx context.Context, name string, args any, out any) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return err
		}
		raw = b
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	res, err := a.backend.InvokeRaw(ctx, name, raw)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 {
		return nil
	}
	return json.Unmarshal(res, out)
}

// invoke sends args verbatim and pretty-prints the result.
func (a *App) invoke(ctx context.Context, name, args string) error {
	var raw json.RawMessage
	if args != "" {
		if !json.Valid([]byte(args)) {
			return fmt.Errorf("arguments of %s are not valid JSON", name)
		}
		raw = json.RawMessage(args)
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	res, err := a.backend.InvokeRaw(ctx, name, raw)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res, "", "  "); err != nil {
		buf.Reset()
		buf.Write(res)
	}
	fmt.Fprintln(a.out, buf.String())
	return nil
}

func (a *App) unlock(ctx context.Context) error {
	pw, err := GetPassword(a.out, "Vault passphrase")
	if err != nil {
		return err
	}
	defer cryptox.Wipe(pw)
	if err := a.call(ctx, "unlock_vault", map[string]string{"passphrase": string(pw)}, nil); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "vault unlocked")
	return nil
}

func (a *App) accounts(ctx context.Context) error {
	var list []models.Account
	if err := a.call(ctx, "list_accounts", nil, &list); err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tBUCKETS")
	for _, acc := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", acc.ID, acc.Provider, acc.Name, strings.Join(acc.Buckets, ","))
	}
	return w.Flush()
}

func (a *App) moves(ctx context.Context, args []string) error {
	var tasks []models.MoveTask
	var err error
	switch len(args) {
	case 0:
		err = a.call(ctx, "get_all_active_move_tasks", nil, &tasks)
	case 1, 2:
		ref := models.SourceRef{SourceBucket: args[0]}
		if len(args) == 2 {
			ref.SourceAccountID = args[1]
		} else {
			acc, err := GetSimpleText(a.reader, "Source account id", a.out)
			if err != nil {
				return err
			}
			ref.SourceAccountID = acc
		}
		err = a.call(ctx, "get_move_tasks", ref, &tasks)
	default:
		return errors.New("usage: moves [bucket [account]]")
	}
	if err != nil {
		return err
	}
	return a.printMoves(tasks)
}

func (a *App) printMoves(tasks []models.MoveTask) error {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSOURCE\tDEST")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%5.1f%%\t%s/%s\t%s/%s\n", t.ID, t.Status, t.Progress,
			t.SourceBucket, t.SourceKey, t.DestBucket, t.DestKey)
	}
	return w.Flush()
}

// watch prints one JSON line per event until ctx ends or the stream fails.
func (a *App) watch(ctx context.Context, names []string) error {
	feed, err := a.backend.Watch(ctx, names...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}

// top keeps a MoveStore fed from the event stream and reprints it every
// interval.
func (a *App) top(ctx context.Context, interval time.Duration) error {
	var initial []models.MoveTask
	if err := a.call(ctx, "get_all_active_move_tasks", nil, &initial); err != nil {
		return err
	}
	store := taskview.NewMoveStore(time.Now)
	store.Load(initial)

	feed, err := a.backend.Watch(ctx, events.MoveStatusChanged, events.MoveProgress, events.MoveTaskDeleted)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- store.Run(ctx, feed, taskview.FlushInterval) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			fmt.Fprintf(a.out, "-- %s  %.0f B/s\n", time.Now().Format(time.TimeOnly), store.Speed())
			if err := a.printMoves(store.Tasks()); err != nil {
				return err
			}
		}
	}
}
