// Program keyholderd serves a multi-user SSH key agent on a UNIX domain
// socket, gated by a group-based authorization policy.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"golang.org/x/sys/unix"

	"github.com/wikimedia/keyholderd"
)

var flags = struct {
	Bind    string `flag:"bind,Path of the UNIX socket to serve the agent on"`
	KeyDir  string `flag:"key-dir,Directory with SSH public keys"`
	AuthDir string `flag:"auth-dir,Directory with YAML authorization files"`
	Debug   bool   `flag:"debug,Log to stderr instead of the system log"`
}{
	Bind:    "/run/keyholder/agent.sock",
	KeyDir:  "/etc/keyholder.d",
	AuthDir: "/etc/keyholder-auth.d",
}

func main() {
	root := &command.C{
		Name:     command.ProgramName(),
		Help:     "Serve a multi-user SSH key agent on the specified socket.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      command.Adapt(run),
		Commands: []*command.C{
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx), os.Args[1:])
}

func run(env *command.Env) error {
	if flags.Bind == "" {
		return env.Usagef("a --bind socket path is required")
	}
	if flags.KeyDir == "" {
		return env.Usagef("a --key-dir is required")
	}
	if flags.AuthDir == "" {
		return env.Usagef("an --auth-dir is required")
	}

	logf := setupLogging(flags.Debug)

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		logf("mlockall: %v; continuing without memory pinned", err)
	}

	if err := os.MkdirAll(filepath.Dir(flags.Bind), 0750); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	srv := keyholder.NewServer(flags.KeyDir, flags.AuthDir, logf)
	if err := srv.Reload(); err != nil {
		logf("initial policy load: %v", err)
	}

	addr, err := net.ResolveUnixAddr("unix", flags.Bind)
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}
	lst, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(flags.Bind) // best-effort

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	ctx := env.Context()
	var g taskgroup.Group
	g.Run(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				logf("SIGHUP received, reloading policy")
				if err := srv.Reload(); err != nil {
					logf("policy reload failed: %v", err)
				}
			}
		}
	})

	logf("keyholderd listening on %s", flags.Bind)
	srv.Serve(ctx, lst)
	g.Wait()
	srv.Shutdown()
	logf("shutting down")
	return nil
}

// setupLogging returns a log function writing to stderr in debug mode,
// or to the system log (the systemd journal, when reachable) otherwise.
func setupLogging(debug bool) func(string, ...any) {
	if debug {
		log.SetFlags(log.LstdFlags)
		return log.Printf
	}
	if journal.Enabled() {
		return func(format string, args ...any) {
			_ = journal.Print(journal.PriInfo, format, args...)
		}
	}
	return log.Printf
}
