package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags holds daemon connection flags for client commands
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// buildRoot creates the root command and wires every subcommand
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(apiFlags),
		createPortsCommand(apiFlags),
		createInspectPortCommand(apiFlags),
		createInspectPidCommand(apiFlags),
		createAppsCommand(apiFlags),
		createConnectionCommand(apiFlags),
		createShutdownCommand(apiFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "rendersyncd",
		Short: "Local control-plane daemon for co-located AI workers",
		Long: `Rendersyncd secures its own HTTP port, supervises the local LLM runtime
and render engine, and exposes an inspection and control API.

Examples:
  rendersyncd serve                               # Start daemon
  rendersyncd status                              # Daemon status
  rendersyncd apps status llm                     # LLM runtime status
  rendersyncd apps start render                   # Start render engine
  rendersyncd inspect-port 11434                  # Who holds a port`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8080)")
	cmd.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

// reachableClient builds an API client and verifies the daemon answers.
func reachableClient(flags *APIFlags) (*APIClient, error) {
	c := NewAPIClient(flags.APIUrl, flags.APITimeout)
	if !c.IsReachable() {
		return nil, fmt.Errorf("daemon not reachable at %s - start it first with 'rendersyncd serve'", c.baseURL)
	}
	return c, nil
}

// createStatusCommand creates the status subcommand
func createStatusCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show the daemon's secured port, uptime, external access gate state,
and the availability of the preferred port list.

Examples:
  rendersyncd status
  rendersyncd status --api-url=http://127.0.0.1:8123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			info, err := c.ServerInfo()
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createPortsCommand creates the ports subcommand
func createPortsCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show the daemon's port arbitration view",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			info, err := c.PortInfo()
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createInspectPortCommand creates the inspect-port subcommand
func createInspectPortCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-port <port>",
		Short: "Inspect a TCP port and the process holding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil || port == 0 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			info, err := c.InspectPort(uint16(port))
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createInspectPidCommand creates the inspect-pid subcommand
func createInspectPidCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-pid <pid>",
		Short: "Inspect a process by PID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			info, err := c.InspectPID(int32(pid))
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createAppsCommand creates the apps subcommand group
func createAppsCommand(apiFlags *APIFlags) *cobra.Command {
	apps := &cobra.Command{
		Use:   "apps",
		Short: "Control the supervised applications",
		Long: `Control the supervised applications. <kind> is "llm" for the LLM runtime
or "render" for the render engine.

Examples:
  rendersyncd apps status llm
  rendersyncd apps start render
  rendersyncd apps stop llm`,
	}

	status := &cobra.Command{
		Use:   "status <kind>",
		Short: "Show application status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			st, err := c.AppStatus(args[0])
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	start := &cobra.Command{
		Use:   "start <kind>",
		Short: "Start (or adopt) an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			st, err := c.AppStart(args[0])
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	stop := &cobra.Command{
		Use:   "stop <kind>",
		Short: "Stop every running instance of an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			rep, err := c.AppStop(args[0])
			if err != nil {
				return err
			}
			printJSON(rep)
			return nil
		},
	}

	apps.AddCommand(status, start, stop)
	addAPIFlags(apps, apiFlags)
	return apps
}

// createConnectionCommand creates the connection subcommand group
func createConnectionCommand(apiFlags *APIFlags) *cobra.Command {
	conn := &cobra.Command{
		Use:   "connection",
		Short: "Control the non-loopback access gate",
		Long: `Enable or disable API access from non-loopback addresses. Control
requests themselves must come from loopback while the gate is closed.

Examples:
  rendersyncd connection status
  rendersyncd connection enable
  rendersyncd connection disable`,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the access gate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			st, err := c.ConnectionStatus()
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	control := func(action string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			st, err := c.ConnectionControl(action)
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		}
	}
	enable := &cobra.Command{Use: "enable", Short: "Allow non-loopback clients", RunE: control("enable")}
	disable := &cobra.Command{Use: "disable", Short: "Restrict the API to loopback", RunE: control("disable")}

	conn.AddCommand(status, enable, disable)
	addAPIFlags(conn, apiFlags)
	return conn
}

// createShutdownCommand creates the shutdown subcommand
func createShutdownCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to stop its workers and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := reachableClient(apiFlags)
			if err != nil {
				return err
			}
			if err := c.Shutdown(); err != nil {
				return err
			}
			fmt.Println("Shutdown requested.")
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}
