package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bhandras/huddle/internal/config"
	"github.com/bhandras/huddle/internal/version"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/sdk"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// command is one huddle subcommand.
type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

// env is what every subcommand gets.
type env struct {
	cfg    *config.Config
	client *sdk.Client
	stdout io.Writer
	stderr io.Writer
}

var commands = []command{
	{"login", "login [--password-file FILE] <username>", "log in and store the session", cmdLogin},
	{"register", "register [--email E] [--display-name N] [--password-file FILE] <username>", "create an account and log in", cmdRegister},
	{"logout", "logout", "clear the stored session", cmdLogout},
	{"whoami", "whoami", "show the logged-in user", cmdWhoami},
	{"profile", "profile [--display-name N] [--email E] [--avatar URL]", "edit your profile", cmdProfile},
	{"projects", "projects", "list projects", cmdProjects},
	{"threads", "threads <project>", "list the chat threads of a project", cmdThreads},
	{"new-thread", "new-thread <project> <title>", "create a chat thread", cmdNewThread},
	{"members", "members <project>", "list the members of a project", cmdMembers},
	{"messages", "messages <thread>", "print the messages of a thread", cmdMessages},
	{"send", "send <thread> <text>", "post a message", cmdSend},
	{"ask", "ask <thread> <text>", "ask the thread's agent", cmdAsk},
	{"watch", "watch [--metrics-addr ADDR] <thread>", "stream a thread live", cmdWatch},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flagSet := pflag.NewFlagSet("huddle", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "backend base URL")
	flagSet.StringVar(&cfg.HuddleHome, "home", cfg.HuddleHome, "directory for durable local state")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace|debug|info|warn|error)")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text|json)")
	flagSet.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(stdout, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stdout, flagSet)
		return nil
	}

	switch rest[0] {
	case "help":
		printUsage(stdout, flagSet)
		return nil
	case "version":
		fmt.Fprintf(stdout, "huddle %s\n", version.RichVersion())
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == rest[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q (run huddle help)", rest[0])
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := configureLogging(cfg); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to create %s: %w", cfg.HuddleHome, err)
	}

	client, err := sdk.New(cfg, sdk.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	return cmd.run(ctx, &env{cfg: cfg, client: client, stdout: stdout, stderr: stderr}, rest[1:])
}

func configureLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Debug && level > logger.LevelDebug {
		level = logger.LevelDebug
	}
	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.SetFormat(format)
	logger.SetLevel(level)
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "huddle: collaborative project chat from the terminal.\n\n")
	fmt.Fprintf(w, "Usage:\n  huddle [global flags] <command> [args]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-60s %s\n", cmd.usage, cmd.summary)
	}
	fmt.Fprintf(w, "  %-60s %s\n", "version", "print the version")
	fmt.Fprintf(w, "  %-60s %s\n", "help", "show this help")
	fmt.Fprintf(w, "\nGlobal flags:\n%s", flagSet.FlagUsages())
	fmt.Fprintf(w, "\nEnvironment:\n")
	fmt.Fprintf(w, "  HUDDLE_SERVER_URL, HUDDLE_HOME_DIR, HUDDLE_LOG_LEVEL, HUDDLE_LOG_FORMAT,\n")
	fmt.Fprintf(w, "  HUDDLE_HTTP_TIMEOUT, HUDDLE_REFRESH_WINDOW, HUDDLE_SOCKET_TRANSPORT, DEBUG\n")
}
