// Package hostcmd implements `berth host`, the management of host
// profiles in the config file.
package hostcmd

import (
	"fmt"
	"sort"
	"strconv"

	"berth/cmd/berth/ui"
	"berth/config"

	"github.com/spf13/cobra"
)

// Cmd returns the parent `berth host` command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage host profiles",
	}

	cmd.AddCommand(addCmd())
	cmd.AddCommand(listCmd())
	cmd.AddCommand(removeCmd())
	cmd.AddCommand(useCmd())
	return cmd
}

func addCmd() *cobra.Command {
	var (
		target       string
		sshPort      int
		identity     string
		jump         string
		port         int
		bind         string
		adminConsole bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a host profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			host, _ := cfg.Get(name)
			if target != "" {
				host.SSH = &config.SSH{
					Target:   target,
					Port:     sshPort,
					Identity: identity,
					Jump:     jump,
				}
			}
			if port != 0 {
				host.Port = port
			}
			if bind != "" {
				host.Bind = bind
			}
			host.AdminConsole = adminConsole

			cfg.Set(name, host)
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Host %s saved.", ui.Bold(name)))
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
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List host profiles",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if len(cfg.Hosts) == 0 {
				fmt.Println(ui.InfoMsg("No hosts configured; `berth init` sets one up."))
				return nil
			}

			names := make([]string, 0, len(cfg.Hosts))
			for name := range cfg.Hosts {
				names = append(names, name)
			}
			sort.Strings(names)

			var rows [][]string
			for _, name := range names {
				h := cfg.Hosts[name]

				current := ""
				if name == cfg.CurrentHost {
					current = "*"
				}
				target := "local engine"
				if h.Remote() {
					target = h.SSH.Target
				}
				rows = append(rows, []string{
					current,
					name,
					target,
					h.BindAddr() + ":" + strconv.Itoa(h.ServicePort()),
					strconv.Itoa(len(h.Users)),
				})
			}

			fmt.Println(ui.Table([]string{"", "NAME", "TARGET", "SERVICE", "USERS"}, rows))
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a host profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Remove(name); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Host %s removed.", ui.Bold(name)))
			return nil
		},
	}
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Set the current host",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Use(name); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Switched to host %s.", ui.Bold(name)))
			return nil
		},
	}
}
