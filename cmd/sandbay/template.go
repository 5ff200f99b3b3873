package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sandbay/sandbay/pkg/types"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage provisioning templates",
}

func init() {
	templateCmd.AddCommand(templateAddCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateDeleteCmd)

	templateAddCmd.Flags().String("image", "", "Container image")
	templateAddCmd.Flags().String("description", "", "Human-readable description")
	templateAddCmd.Flags().String("cpu", "", "CPU limit, e.g. 0.5")
	templateAddCmd.Flags().String("memory", "", "Memory limit, e.g. 256m")
	templateAddCmd.Flags().String("command", "", "Default command (image default when empty)")
	templateAddCmd.Flags().Int("port", 0, "Container port published on the host")
	templateAddCmd.Flags().String("allowed-commands", "", "Comma-separated terminal commands (all allowed when empty)")
	templateAddCmd.MarkFlagRequired("image")
}

var templateAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a provisioning template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		image, _ := cmd.Flags().GetString("image")
		description, _ := cmd.Flags().GetString("description")
		cpu, _ := cmd.Flags().GetString("cpu")
		memory, _ := cmd.Flags().GetString("memory")
		command, _ := cmd.Flags().GetString("command")
		port, _ := cmd.Flags().GetInt("port")
		allowed, _ := cmd.Flags().GetString("allowed-commands")

		tpl := &types.Template{
			Name:          args[0],
			Description:   description,
			Image:         image,
			CPULimit:      cpu,
			MemLimit:      memory,
			Command:       command,
			ContainerPort: port,
		}
		if allowed != "" {
			for _, c := range strings.Split(allowed, ",") {
				if c = strings.TrimSpace(c); c != "" {
					tpl.AllowedCommands = append(tpl.AllowedCommands, c)
				}
			}
		}

		if err := store.CreateTemplate(tpl); err != nil {
			return err
		}
		fmt.Printf("Created template %d (%s)\n", tpl.ID, tpl.Name)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioning templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		tpls, err := store.ListTemplates()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIMAGE\tCPU\tMEMORY\tPORT")
		for _, tpl := range tpls {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
				tpl.ID, tpl.Name, tpl.Image, tpl.CPULimit, tpl.MemLimit, tpl.ContainerPort)
		}
		return w.Flush()
	},
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a provisioning template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid template id %q", args[0])
		}
		if err := store.DeleteTemplate(id); err != nil {
			return err
		}
		fmt.Printf("Deleted template %d\n", id)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the most recent lifecycle actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := store.ListAudit(limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTOR\tACTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Time.Format("2006-01-02 15:04:05"), e.Actor, e.Action)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().Int("limit", 20, "Number of entries to show (0 for all)")
}
