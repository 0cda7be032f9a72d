// Package usercmd implements `berth user` and its subcommands. Accounts
// live in two places that these commands keep in step: the host profile
// in the config file, and the accounts inside the running container.
package usercmd

import (
	"context"
	"fmt"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/config"
	"berth/internal/lifecycle"
	"berth/internal/users"

	"github.com/spf13/cobra"
)

// Cmd returns the parent `berth user` command.
func Cmd(hostFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage server accounts",
	}

	cmd.AddCommand(addCmd(hostFlag))
	cmd.AddCommand(removeCmd(hostFlag))
	cmd.AddCommand(listCmd(hostFlag))
	cmd.AddCommand(passwdCmd(hostFlag))
	cmd.AddCommand(lockCmd(hostFlag))
	cmd.AddCommand(unlockCmd(hostFlag))
	return cmd
}

// withAccounts resolves the target host, connects, and hands fn a users
// manager for its container.
func withAccounts(ctx context.Context, hostFlag string, fn func(name string, host config.Host, m *users.Manager) error) error {
	name, host, err := cmdutil.ResolveHost(hostFlag)
	if err != nil {
		return err
	}
	conn, err := cmdutil.Connect(ctx, name, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(name, host, users.New(conn.Client(), lifecycle.ContainerName))
}

// rememberUser updates the host profile's user list in the config file.
func rememberUser(hostName, user string, add bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	host, ok := cfg.Get(hostName)
	if !ok && add {
		host = config.Host{}
	}
	changed := false
	if add {
		changed = host.AddUser(user)
	} else {
		changed = host.RemoveUser(user)
	}
	if !changed {
		return nil
	}
	cfg.Set(hostName, host)
	return cfg.Save()
}

func addCmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Create an account (locked until a password is set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			return withAccounts(cmd.Context(), *hostFlag, func(hostName string, _ config.Host, m *users.Manager) error {
				if err := m.Add(cmd.Context(), user); err != nil {
					return err
				}
				if err := m.Lock(cmd.Context(), user); err != nil {
					return err
				}
				if err := rememberUser(hostName, user, true); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Account %s created (locked); set a password with `berth user passwd %s`.", ui.Bold(user), user))
				return nil
			})
		},
	}
}

func removeCmd(hostFlag *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Delete an account and its home directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			if !yes {
				ok, err := ui.Confirm(
					fmt.Sprintf("Delete account %s and its home directory?", user),
					"use --yes to skip",
				)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return withAccounts(cmd.Context(), *hostFlag, func(hostName string, _ config.Host, m *users.Manager) error {
				if err := m.Remove(cmd.Context(), user); err != nil {
					return err
				}
				if err := rememberUser(hostName, user, false); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Account %s removed.", ui.Bold(user)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func listCmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts and their lock state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAccounts(cmd.Context(), *hostFlag, func(_ string, _ config.Host, m *users.Manager) error {
				accounts, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(accounts) == 0 {
					fmt.Println(ui.InfoMsg("No accounts yet; add one with `berth user add <name>`."))
					return nil
				}
				var rows [][]string
				for _, a := range accounts {
					state := ui.Success("active")
					if a.Locked {
						state = ui.Warn("locked")
					}
					rows = append(rows, []string{a.Name, fmt.Sprintf("%d", a.UID), state})
				}
				fmt.Println(ui.Table([]string{"NAME", "UID", "STATE"}, rows))
				return nil
			})
		},
	}
}

func passwdCmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <name>",
		Short: "Set an account's password and unlock it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]

			// The password is read interactively and handed to the
			// container over the exec's stdin; it never transits argv
			// or the environment.
			password, err := ui.PromptSecret(
				fmt.Sprintf("New password for %s", user),
				"passwords can only be set interactively",
			)
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}

			return withAccounts(cmd.Context(), *hostFlag, func(_ string, _ config.Host, m *users.Manager) error {
				if err := m.SetPassword(cmd.Context(), user, password); err != nil {
					return err
				}
				if err := m.Unlock(cmd.Context(), user); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Password set for %s.", ui.Bold(user)))
				return nil
			})
		},
	}
}

func lockCmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <name>",
		Short: "Lock an account without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			return withAccounts(cmd.Context(), *hostFlag, func(_ string, _ config.Host, m *users.Manager) error {
				if err := m.Lock(cmd.Context(), user); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Account %s locked.", ui.Bold(user)))
				return nil
			})
		},
	}
}

func unlockCmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <name>",
		Short: "Unlock a locked account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			return withAccounts(cmd.Context(), *hostFlag, func(_ string, _ config.Host, m *users.Manager) error {
				if err := m.Unlock(cmd.Context(), user); err != nil {
					return err
				}
				fmt.Println(ui.SuccessMsg("Account %s unlocked.", ui.Bold(user)))
				return nil
			})
		},
	}
}
