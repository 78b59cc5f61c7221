package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"stockdesk/internal/app"
	"stockdesk/internal/config"
	"stockdesk/internal/domain/notification"
	"stockdesk/internal/pkg/notice"
)

var errUsage = errors.New("usage")

const usage = `usage: stockdesk <command> [args]

commands:
  login -u USER -p PASSWORD
  logout
  whoami
  health
  quote CODE
  notifications list [-unread]
  notifications read ID
  notifications read-all
  notifications watch
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.Options{
		Sink: notice.SinkFunc(func(msg string) { fmt.Fprintln(os.Stderr, "!", msg) }),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		a.Log.Warn("session restore failed", "error", err)
	}
	return dispatch(ctx, a, args, out)
}

func dispatch(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	switch args[0] {
	case "login":
		return login(ctx, a, args[1:], out)
	case "logout":
		if err := a.Auth.Logout(ctx); err != nil {
			a.Log.Warn("logout call failed", "error", err)
		}
		fmt.Fprintln(out, "logged out")
		return nil
	case "whoami":
		if !a.Auth.IsAuthenticated() {
			return errors.New("not logged in")
		}
		u, err := a.Auth.FetchUser(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s) id=%s\n", u.DisplayName(), u.Email, u.ID)
		return nil
	case "health":
		h, err := a.API.System.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "status=%s version=%s time=%s\n", h.Status, h.Version, h.Timestamp)
		return nil
	case "quote":
		if len(args) != 2 {
			return errUsage
		}
		q, err := a.API.Stocks.Quote(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s %.2f %+.2f (%+.2f%%)\n", q.Code, q.Market, q.Price, q.Change, q.ChangePercent)
		return nil
	case "notifications":
		return notifications(ctx, a, args[1:], out)
	}
	return errUsage
}

func login(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	if err := fs.Parse(args); err != nil || *username == "" || *password == "" {
		return errUsage
	}

	u, err := a.Auth.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s\n", u.DisplayName())
	return nil
}

func notifications(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	if !a.Auth.IsAuthenticated() {
		return errors.New("not logged in")
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		unread := fs.Bool("unread", false, "only unread notifications")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		status := notification.FilterAll
		if *unread {
			status = notification.FilterUnread
		}
		items := a.Notifications.LoadList(ctx, status)
		count := a.Notifications.RefreshUnreadCount(ctx)
		printNotifications(out, items)
		fmt.Fprintf(out, "%d unread\n", count)
		return nil
	case "read":
		if len(args) != 2 {
			return errUsage
		}
		a.Notifications.MarkRead(ctx, args[1])
		fmt.Fprintln(out, "marked read")
		return nil
	case "read-all":
		a.Notifications.MarkAllRead(ctx)
		fmt.Fprintln(out, "all marked read")
		return nil
	case "watch":
		a.Feed.Subscribe(func(n notification.Notification) {
			fmt.Fprintf(out, "[%s] %s %s\n", n.Type, n.Title, n.Content)
		})
		a.Channel.Connect()
		<-ctx.Done()
		return nil
	}
	return errUsage
}

func printNotifications(out io.Writer, items []notification.Notification) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tTITLE")
	for _, n := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Type, n.Status, n.CreatedAt, n.Title)
	}
	_ = w.Flush()
}
