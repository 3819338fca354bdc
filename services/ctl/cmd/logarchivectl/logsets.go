package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"logarchive/pkg/logset"
)

func newLogsetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logsets",
		Short: "Check logset definitions",
		RunE:  helpOnly,
	}

	cmd.AddCommand(newLogsetsValidateCommand())
	cmd.AddCommand(newLogsetsRenderCommand())
	return cmd
}

func newLogsetsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Compile every logset in a definitions file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := logset.LoadDefinitions(args[0])
			if err != nil {
				return err
			}
			if err := logset.Validate(defs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d logsets ok\n", args[0], len(defs))
			return nil
		},
	}
}

func newLogsetsRenderCommand() *cobra.Command {
	var (
		vars     logset.Vars
		zonename string
		zonerole string
	)

	cmd := &cobra.Command{
		Use:   "render FILE PATH",
		Short: "Show the logset matching PATH and the object path it archives to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := logset.LoadDefinitions(args[0])
			if err != nil {
				return err
			}

			var zones []logset.Zone
			if zonerole != logset.GlobalZone {
				if zonename == "" {
					return fmt.Errorf("--zonename is required for zone role %q", zonerole)
				}
				zones = []logset.Zone{{UUID: zonename, Role: zonerole}}
			}
			var records []logset.Record
			for _, r := range logset.FormatForHost(defs, zones) {
				if r.Zonerole == zonerole {
					records = append(records, r)
				}
			}

			engine, err := logset.Load(records)
			if err != nil {
				return err
			}
			ls := engine.Match(args[1])
			if ls == nil {
				return fmt.Errorf("no %s logset matches %s", zonerole, args[1])
			}
			remote, err := ls.RenderPath(args[1], vars)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "logset:   %s\n", ls.Name)
			fmt.Fprintf(out, "debounce: %s\n", ls.Debounce())
			fmt.Fprintf(out, "retain:   %s\n", ls.Retain())
			if id, ok := ls.TenantID(args[1]); ok {
				fmt.Fprintf(out, "tenant:   %s\n", id)
			}
			fmt.Fprintf(out, "path:     %s\n", remote)
			return nil
		},
	}

	cmd.Flags().StringVar(&vars.User, "user", "admin", "Object store account (%u)")
	cmd.Flags().StringVar(&vars.Customer, "customer", "", "Tenant login (%U)")
	cmd.Flags().StringVar(&vars.Datacenter, "datacenter", "", "Datacenter name (%d)")
	cmd.Flags().StringVar(&vars.Nodename, "nodename", "", "Host uuid (%n on the global zone)")
	cmd.Flags().StringVar(&zonename, "zonename", "", "Zone uuid for non-global logsets")
	cmd.Flags().StringVar(&zonerole, "zonerole", logset.GlobalZone, "Zone role the path belongs to")
	return cmd
}
