// Package initcmd implements `berth init`, the setup wizard. It collects
// a host profile — where the server runs and how to reach it — and saves
// it as the current host. Connection parameters for remote hosts are
// pre-filled from the user's OpenSSH client config where possible.
package initcmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"berth/cmd/berth/ui"
	"berth/config"
	"berth/internal/lifecycle"
	"berth/internal/sshcfg"
	"berth/pkg/sdk/defaults"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
	"github.com/spf13/cobra"
)

// Cmd returns the `berth init` command.
func Cmd() *cobra.Command {
	var (
		target       string
		sshPort      int
		identity     string
		jump         string
		port         int
		bind         string
		adminConsole bool
		allowUnauth  bool
		user         string
		fromCompose  string
	)

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Set up a host profile",
		Long: "Collects where the server should run and how to reach it, then saves the " +
			"profile as the current host. With no flags it walks through the questions " +
			"interactively, offering hosts found in ~/.ssh/config.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := defaults.LocalHost
			if len(args) == 1 {
				name = args[0]
			}

			host := config.Host{
				Port:                 port,
				Bind:                 bind,
				AdminConsole:         adminConsole,
				AllowUnauthenticated: allowUnauth,
			}
			if target != "" {
				host.SSH = &config.SSH{Target: target, Port: sshPort, Identity: identity, Jump: jump}
			}
			if fromCompose != "" {
				if err := applyCompose(cmd.Context(), fromCompose, &host); err != nil {
					return err
				}
			}

			// Anything not pinned by a flag is asked interactively;
			// non-interactive runs keep the defaults.
			if ui.IsInteractive() {
				if err := interview(cmd.Flags().Changed, &name, &host, &user); err != nil {
					return err
				}
			}

			if user != "" {
				host.AddUser(user)
			}
			if len(host.Users) == 0 && !host.AllowUnauthenticated {
				return fmt.Errorf("a profile needs at least one user (--user) or an explicit --allow-unauthenticated")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Set(name, host)
			if err := cfg.Use(name); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Host %s saved and selected.", ui.Bold(name)))
			fmt.Println(ui.InfoMsg("Start the server with %s.", ui.Accent("berth up")))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "ssh", "", "SSH destination (user@host); empty means the local engine")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 0, "SSH port (default 22)")
	cmd.Flags().StringVar(&identity, "identity", "", "SSH private key path")
	cmd.Flags().StringVar(&jump, "jump", "", "SSH ProxyJump destination")
	cmd.Flags().IntVar(&port, "port", 0, "Host port the service publishes on (default 7600)")
	cmd.Flags().StringVar(&bind, "bind", "", "Address the service binds to (default 127.0.0.1)")
	cmd.Flags().BoolVar(&adminConsole, "admin-console", false, "Enable the admin console")
	cmd.Flags().BoolVar(&allowUnauth, "allow-unauthenticated", false, "Permit a server with no accounts (deliberate opt-in)")
	cmd.Flags().StringVar(&user, "user", "", "Initial account to create on first start")
	cmd.Flags().StringVar(&fromCompose, "from-compose", "", "Pre-fill port and bind from a compose file")
	return cmd
}

// interview fills in whatever the flags left open. changed reports
// whether a flag was given explicitly, in which case its answer is
// settled and not asked again.
func interview(changed func(string) bool, name *string, host *config.Host, user *string) error {
	if !changed("ssh") && host.SSH == nil {
		remote, err := ui.Confirm("Run the server on a remote host?", "use --ssh <user@host>")
		if err != nil {
			return err
		}
		if remote {
			ssh, err := chooseRemote()
			if err != nil {
				return err
			}
			host.SSH = ssh
			if *name == defaults.LocalHost {
				*name = defaults.NormalizeHost(ssh.Target)
			}
		}
	}

	if !changed("port") && host.Port == 0 {
		answer, err := ui.Prompt("Service port", strconv.Itoa(lifecycle.ServicePort), "use --port")
		if err != nil {
			return err
		}
		if answer = strings.TrimSpace(answer); answer != "" {
			p, err := strconv.Atoi(answer)
			if err != nil || p < 1 || p > 65535 {
				return fmt.Errorf("invalid port %q", answer)
			}
			host.Port = p
		}
	}

	if !changed("admin-console") {
		admin, err := ui.Confirm("Enable the admin console (runs the container privileged)?", "use --admin-console")
		if err != nil {
			return err
		}
		host.AdminConsole = admin
	}

	if !changed("user") && !changed("allow-unauthenticated") && *user == "" && len(host.Users) == 0 {
		answer, err := ui.Prompt("Initial account name", os.Getenv("USER"), "use --user")
		if err != nil {
			return err
		}
		*user = strings.TrimSpace(answer)
		if *user == "" {
			unauth, err := ui.Confirm(
				"No account given. Really allow unauthenticated access?",
				"use --allow-unauthenticated",
			)
			if err != nil {
				return err
			}
			host.AllowUnauthenticated = unauth
		}
	}

	return nil
}

// chooseRemote offers the hosts from ~/.ssh/config and falls back to a
// free-form destination prompt.
func chooseRemote() (*config.SSH, error) {
	entries, err := sshcfg.Load(sshcfg.DefaultPath())
	if err != nil {
		return nil, err
	}

	if len(entries) > 0 {
		rows := make([][]string, 0, len(entries)+1)
		for _, e := range entries {
			rows = append(rows, []string{e.Alias, e.Target(), portLabel(e.Port)})
		}
		rows = append(rows, []string{"(other)", "enter a destination manually", ""})

		idx, err := ui.InteractiveTable([]string{"HOST", "TARGET", "PORT"}, rows)
		if err != nil {
			return nil, err
		}
		if idx >= 0 && idx < len(entries) {
			e := entries[idx]
			return &config.SSH{Target: e.Target(), Port: e.Port, Identity: e.Identity, Jump: e.Jump}, nil
		}
	}

	target, err := ui.Prompt("SSH destination", "user@host", "use --ssh")
	if err != nil {
		return nil, err
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("an ssh destination is required for a remote host")
	}
	return &config.SSH{Target: target}, nil
}

func portLabel(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}

// applyCompose pre-fills the profile from the first service in a
// compose file that publishes a port; people migrating from a compose
// setup keep their port and bind address without retyping them.
func applyCompose(ctx context.Context, path string, host *config.Host) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read compose file: %w", err)
	}

	project, err := loader.LoadWithContext(ctx, compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{{Filename: path, Content: data}},
	})
	if err != nil {
		return fmt.Errorf("parse compose file: %w", err)
	}

	for _, svc := range project.Services {
		for _, p := range svc.Ports {
			if p.Published == "" {
				continue
			}
			published, err := strconv.Atoi(p.Published)
			if err != nil {
				continue
			}
			if host.Port == 0 {
				host.Port = published
			}
			if host.Bind == "" && p.HostIP != "" {
				host.Bind = p.HostIP
			}
			return nil
		}
	}
	return fmt.Errorf("compose file %s has no service with a published port", path)
}
