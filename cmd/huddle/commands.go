package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bhandras/huddle/internal/api"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
	"github.com/bhandras/huddle/sdk"
)

var errNotLoggedIn = errors.New("not logged in (run huddle login)")

func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	return flagSet
}

func exactArgs(name string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

// requireSession restores the stored session.
func requireSession(ctx context.Context, e *env) (types.Identity, error) {
	me, ok := e.client.Restore(ctx)
	if !ok {
		return types.Identity{}, errNotLoggedIn
	}
	return me, nil
}

func cmdLogin(ctx context.Context, e *env, args []string) error {
	flagSet := newFlagSet("login")
	passwordFile := flagSet.String("password-file", "", "read the password from FILE (- prompts)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := exactArgs("login", flagSet.Args(), 1); err != nil {
		return err
	}

	password, err := readPassword(*passwordFile)
	if err != nil {
		return err
	}
	me, err := e.client.Login(ctx, flagSet.Arg(0), password)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Logged in as %s\n", me.Name())
	return nil
}

func cmdRegister(ctx context.Context, e *env, args []string) error {
	flagSet := newFlagSet("register")
	email := flagSet.String("email", "", "email address")
	displayName := flagSet.String("display-name", "", "display name")
	passwordFile := flagSet.String("password-file", "", "read the password from FILE (- prompts)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := exactArgs("register", flagSet.Args(), 1); err != nil {
		return err
	}

	password, err := readPassword(*passwordFile)
	if err != nil {
		return err
	}
	me, err := e.client.Register(ctx, types.Registration{
		Username:        flagSet.Arg(0),
		Email:           *email,
		Password:        password,
		PasswordConfirm: password,
		DisplayName:     *displayName,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Registered and logged in as %s\n", me.Name())
	return nil
}

func cmdLogout(_ context.Context, e *env, args []string) error {
	if err := exactArgs("logout", args, 0); err != nil {
		return err
	}
	if err := e.client.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "Logged out")
	return nil
}

func cmdWhoami(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("whoami", args, 0); err != nil {
		return err
	}
	me, err := requireSession(ctx, e)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s (%s)\n", me.Name(), me.Username)
	return nil
}

func cmdProfile(ctx context.Context, e *env, args []string) error {
	flagSet := newFlagSet("profile")
	var update api.ProfileUpdate
	flagSet.StringVar(&update.DisplayName, "display-name", "", "new display name")
	flagSet.StringVar(&update.Email, "email", "", "new email address")
	flagSet.StringVar(&update.Avatar, "avatar", "", "new avatar URL")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := exactArgs("profile", flagSet.Args(), 0); err != nil {
		return err
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	if update == (api.ProfileUpdate{}) {
		return fmt.Errorf("profile: nothing to update")
	}
	me, err := e.client.UpdateProfile(ctx, update)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Updated profile for %s\n", me.Name())
	return nil
}

func cmdProjects(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("projects", args, 0); err != nil {
		return err
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	projects, err := e.client.Projects(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tNAME\tMEMBERS\tROLE")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Slug, p.Name, p.MemberCount, p.UserRole)
	}
	return w.Flush()
}

func cmdThreads(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("threads", args, 1); err != nil {
		return err
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	project, err := e.client.Project(ctx, args[0])
	if err != nil {
		return err
	}
	if err := project.LoadThreads(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tCREATED")
	for _, t := range project.Threads() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Title, formatTime(t.CreatedAt))
	}
	return w.Flush()
}

func cmdNewThread(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("new-thread: expected <project> <title>")
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	project, err := e.client.Project(ctx, args[0])
	if err != nil {
		return err
	}
	thread, err := project.CreateThread(ctx, strings.Join(args[1:], " "), nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Created thread %s (%s)\n", thread.ID, thread.Title)
	return nil
}

func cmdMembers(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("members", args, 1); err != nil {
		return err
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	project, err := e.client.Project(ctx, args[0])
	if err != nil {
		return err
	}
	if err := project.LoadMembers(ctx); err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNAME\tROLE")
	for _, m := range project.Members() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.UserDetails.Username, m.UserDetails.Name(), m.Role)
	}
	return w.Flush()
}

func cmdMessages(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("messages", args, 1); err != nil {
		return err
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	thread, err := e.client.OpenThread(ctx, types.ID(args[0]))
	if err != nil {
		return err
	}
	for _, msg := range thread.Messages() {
		fmt.Fprintln(e.stdout, formatMessage(msg))
	}
	return nil
}

func cmdSend(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("send: expected <thread> <text>")
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	msg, err := e.client.SendMessage(ctx, types.ID(args[0]), strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, formatMessage(msg))
	return nil
}

func cmdAsk(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("ask: expected <thread> <text>")
	}
	if _, err := requireSession(ctx, e); err != nil {
		return err
	}
	reply, err := e.client.AskAgent(ctx, types.ID(args[0]), strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, formatMessage(reply))
	return nil
}

func cmdWatch(ctx context.Context, e *env, args []string) error {
	flagSet := newFlagSet("watch")
	metricsAddr := flagSet.String("metrics-addr", "", "serve Prometheus metrics on ADDR (e.g. :9090)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := exactArgs("watch", flagSet.Args(), 1); err != nil {
		return err
	}
	threadID := types.ID(flagSet.Arg(0))

	if _, err := requireSession(ctx, e); err != nil {
		return err
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           metricsMux(e.client),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		logger.Infof("serving metrics on %s/metrics", *metricsAddr)
	}

	printer := newStreamPrinter(e.stdout)
	expired := make(chan struct{})
	var expireOnce sync.Once
	e.client.SetListener(sdk.Listener{
		OnMessages: func(id types.ID, msgs []types.Message) {
			if id == threadID {
				printer.print(msgs)
			}
		},
		OnSession: func(_ types.Identity, ok bool) {
			if !ok {
				expireOnce.Do(func() { close(expired) })
			}
		},
		OnError: func(message string) {
			fmt.Fprintf(e.stderr, "! %s\n", message)
		},
	})

	if _, err := e.client.OpenThread(ctx, threadID); err != nil {
		return err
	}
	if err := e.client.Connect(); err != nil {
		return err
	}
	defer e.client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case <-expired:
		return errNotLoggedIn
	}
}

func metricsMux(c *sdk.Client) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.MetricsHandler())
	return mux
}

// streamPrinter prints each confirmed message once.
type streamPrinter struct {
	w    io.Writer
	mu   sync.Mutex
	seen map[types.ID]struct{}
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, seen: make(map[types.ID]struct{})}
}

func (p *streamPrinter) print(msgs []types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		if msg.ID.IsZero() {
			continue
		}
		if _, ok := p.seen[msg.ID]; ok {
			continue
		}
		p.seen[msg.ID] = struct{}{}
		fmt.Fprintln(p.w, formatMessage(msg))
	}
}

func formatMessage(msg types.Message) string {
	sender := "you"
	switch {
	case msg.Kind == types.MessageAgent && msg.AgentRole != "":
		sender = "agent:" + msg.AgentRole
	case msg.Kind == types.MessageAgent:
		sender = "agent"
	case msg.Sender != nil:
		sender = msg.Sender.Name()
	}
	return fmt.Sprintf("[%s] %s: %s", formatTime(msg.CreatedAt), sender, msg.Content)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "--:--"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// readPassword reads a password from path, or prompts on the terminal when
// path is empty or "-".
func readPassword(path string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		password := strings.TrimRight(string(data), "\r\n")
		if password == "" {
			return "", fmt.Errorf("file %s is empty", path)
		}
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}
