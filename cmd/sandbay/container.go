package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandbay/sandbay/pkg/engine"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage sandbox containers",
}

func init() {
	containerCmd.PersistentFlags().String("owner", "admin", "Owner the operation runs as")
	containerCmd.PersistentFlags().Bool("admin", false, "Act with admin rights on any container")

	containerCmd.AddCommand(containerCreateCmd)
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerStartCmd)
	containerCmd.AddCommand(containerStopCmd)
	containerCmd.AddCommand(containerRemoveCmd)
	containerCmd.AddCommand(containerExtendCmd)
	containerCmd.AddCommand(containerStatsCmd)
	containerCmd.AddCommand(containerInspectCmd)

	containerCreateCmd.Flags().Uint64("template", 0, "Template id to provision from")
	containerCreateCmd.Flags().String("name", "", "Container name (generated when empty)")
	containerCreateCmd.MarkFlagRequired("template")

	containerListCmd.Flags().Int("page", 1, "Page number")
	containerListCmd.Flags().Int("per-page", engine.DefaultPageSize, "Records per page")
}

func parseContainerID(args []string) (uint64, error) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid container id %q", args[0])
	}
	return id, nil
}

var containerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a sandbox container from a template",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		templateID, _ := cmd.Flags().GetUint64("template")
		name, _ := cmd.Flags().GetString("name")
		ownerID, _ := actor(cmd)

		eng := engine.New(store, rt, cfg)
		rec, err := eng.Create(context.Background(), ownerID, templateID, name)
		if err != nil {
			return err
		}

		fmt.Printf("Created container %d\n", rec.ID)
		fmt.Printf("  Name: %s\n", rec.Name)
		fmt.Printf("  Host port: %d\n", rec.HostPort)
		fmt.Printf("  Destroyed at: %s\n", rec.DestroyAt.Format(time.RFC3339))
		return nil
	},
}

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandbox containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ownerID, isAdmin := actor(cmd)
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		eng := engine.New(store, rt, cfg)
		recs, total, err := eng.List(context.Background(), ownerID, isAdmin, page, perPage)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tSTATUS\tPORT\tDESTROY AT")
		for _, rec := range recs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
				rec.ID, rec.Name, rec.OwnerID, rec.Status, rec.HostPort,
				rec.DestroyAt.Format(time.RFC3339))
		}
		w.Flush()
		fmt.Printf("\n%d container(s), page %d\n", total, page)
		return nil
	},
}

var containerStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a stopped container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return containerOp(cmd, args, func(ctx context.Context, eng *engine.Engine, id uint64, owner string, admin bool) error {
			return eng.Start(ctx, id, owner, admin)
		}, "Started")
	},
}

var containerStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return containerOp(cmd, args, func(ctx context.Context, eng *engine.Engine, id uint64, owner string, admin bool) error {
			return eng.Stop(ctx, id, owner, admin)
		}, "Stopped")
	},
}

var containerRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Destroy a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return containerOp(cmd, args, func(ctx context.Context, eng *engine.Engine, id uint64, owner string, admin bool) error {
			return eng.Remove(ctx, id, owner, admin)
		}, "Removed")
	},
}

func containerOp(cmd *cobra.Command, args []string, op func(context.Context, *engine.Engine, uint64, string, bool) error, verb string) error {
	cfg, store, rt, cleanup, err := openDeps(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := parseContainerID(args)
	if err != nil {
		return err
	}
	ownerID, isAdmin := actor(cmd)

	eng := engine.New(store, rt, cfg)
	if err := op(context.Background(), eng, id, ownerID, isAdmin); err != nil {
		return err
	}
	fmt.Printf("%s container %d\n", verb, id)
	return nil
}

var containerExtendCmd = &cobra.Command{
	Use:   "extend ID",
	Short: "Push a container's destruction deadline out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := parseContainerID(args)
		if err != nil {
			return err
		}
		ownerID, isAdmin := actor(cmd)

		eng := engine.New(store, rt, cfg)
		destroyAt, err := eng.Extend(context.Background(), id, ownerID, isAdmin)
		if err != nil {
			return err
		}
		fmt.Printf("Container %d now destroyed at %s\n", id, destroyAt.Format(time.RFC3339))
		return nil
	},
}

var containerStatsCmd = &cobra.Command{
	Use:   "stats ID",
	Short: "Show a one-shot resource usage reading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := parseContainerID(args)
		if err != nil {
			return err
		}
		ownerID, isAdmin := actor(cmd)

		eng := engine.New(store, rt, cfg)
		stats, err := eng.Stats(context.Background(), id, ownerID, isAdmin)
		if err != nil {
			return err
		}
		fmt.Printf("CPU: %.2f%%\n", stats.CPUPercent)
		fmt.Printf("Memory: %d / %d bytes (%.2f%%)\n", stats.MemUsage, stats.MemLimit, stats.MemPercent)
		return nil
	},
}

var containerInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show a container's record and network state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, rt, cleanup, err := openDeps(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := parseContainerID(args)
		if err != nil {
			return err
		}
		ownerID, isAdmin := actor(cmd)

		ctx := context.Background()
		eng := engine.New(store, rt, cfg)
		rec, err := eng.Get(ctx, id, ownerID, isAdmin)
		if err != nil {
			return err
		}

		fmt.Printf("Container %d\n", rec.ID)
		fmt.Printf("  Name: %s\n", rec.Name)
		fmt.Printf("  Owner: %s\n", rec.OwnerID)
		fmt.Printf("  Status: %s\n", rec.Status)
		fmt.Printf("  Host port: %d\n", rec.HostPort)
		fmt.Printf("  Extensions used: %d\n", rec.ExtensionCount)
		fmt.Printf("  Created at: %s\n", rec.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  Destroyed at: %s\n", rec.DestroyAt.Format(time.RFC3339))

		info, err := eng.NetworkInfo(ctx, id, ownerID, isAdmin)
		if err != nil {
			return err
		}
		fmt.Printf("  IP address: %s\n", info.IPAddress)
		fmt.Printf("  Network mode: %s\n", info.NetworkMode)
		for spec, hostPort := range info.Ports {
			fmt.Printf("  Port %s -> %d\n", spec, hostPort)
		}
		return nil
	},
}
