package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"sriov-emu/internal/config"
	"sriov-emu/pkg/api"
)

var logger = logrus.New()

var (
	serverAddr string
	timeout    time.Duration
	format     string
	vfRange    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "sriovctl",
	Short: "SR-IOV emulator CLI",
	Long: `A command line interface for the SR-IOV emulator daemon.

Examples:
  sriovctl enable nic0 4            # Create 4 VFs on nic0
  sriovctl query nic0 --vfs 0-1     # Describe VFs 0 and 1
  sriovctl reset nic0               # Reset the PF (destroys its VFs)
  sriovctl reset nic0 --vfs 2       # Reset VF 2 only
  sriovctl dump --format detailed   # Describe every device`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Error("command execution failed")
		os.Exit(1)
	}
}

// getClient connects to the daemon, retrying with exponential backoff
// until it answers or the timeout elapses.
func getClient(ctx context.Context) (*api.Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	client := api.NewClient(conn)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = timeout
	probe := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := client.Variants(probeCtx)
		if err != nil {
			logger.WithError(err).WithField("server", serverAddr).Debug("daemon not ready")
		}
		return err
	}
	if err := backoff.Retry(probe, backoff.WithContext(b, ctx)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %v", serverAddr, err)
	}
	return client, conn, nil
}

// withClient runs fn against a connected client
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	ctx := context.Background()
	client, conn, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, client)
}

// vfIndices parses --vfs; ok is false when the flag was not given
func vfIndices() (indices []int, ok bool, err error) {
	if vfRange == "" {
		return nil, false, nil
	}
	indices, err = config.ParseVFRange(vfRange)
	return indices, true, err
}

func enableVFs(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid VF count %q", args[1])
	}
	return withClient(func(ctx context.Context, c *api.Client) error {
		if err := c.Enable(ctx, args[0], n); err != nil {
			return err
		}
		fmt.Printf("Enabled %d VFs on %s\n", n, args[0])
		return nil
	})
}

func disableVFs(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		if err := c.Disable(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Disabled VFs on %s\n", args[0])
		return nil
	})
}

func queryVFs(cmd *cobra.Command, args []string) error {
	indices, ok, err := vfIndices()
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *api.Client) error {
		if !ok {
			inv, err := c.Dump(ctx)
			if err != nil {
				return err
			}
			d := inv.Find(args[0])
			if d == nil {
				return fmt.Errorf("device %s not found", args[0])
			}
			for _, vf := range d.VFs {
				indices = append(indices, vf.VFIndex)
			}
		}
		for _, i := range indices {
			vf, err := c.Query(ctx, args[0], i)
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Println(formatJSON(vf))
			} else {
				fmt.Print(formatFunctionDetailed(vf, ""))
			}
		}
		return nil
	})
}

func resetFunctions(cmd *cobra.Command, args []string) error {
	indices, ok, err := vfIndices()
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *api.Client) error {
		if !ok {
			if err := c.ResetPF(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Reset PF of %s\n", args[0])
			return nil
		}
		for _, i := range indices {
			if err := c.ResetVF(ctx, args[0], i); err != nil {
				return err
			}
			fmt.Printf("Reset VF %d of %s\n", i, args[0])
		}
		return nil
	})
}

func dumpDevices(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		inv, err := c.Dump(ctx)
		if err != nil {
			return err
		}
		out, err := formatInventory(inv, format)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if format == "json" {
			fmt.Println()
		}
		return nil
	})
}

func listVariants(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		names, err := c.Variants(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:50051", "gRPC server address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the daemon")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	enableCmd := &cobra.Command{
		Use:   "enable DEVICE NUM_VFS",
		Short: "Create VFs on a device",
		Args:  cobra.ExactArgs(2),
		RunE:  enableVFs,
	}
	rootCmd.AddCommand(enableCmd)

	disableCmd := &cobra.Command{
		Use:   "disable DEVICE",
		Short: "Destroy every VF of a device",
		Args:  cobra.ExactArgs(1),
		RunE:  disableVFs,
	}
	rootCmd.AddCommand(disableCmd)

	queryCmd := &cobra.Command{
		Use:   "query DEVICE",
		Short: "Describe VFs of a device",
		Args:  cobra.ExactArgs(1),
		RunE:  queryVFs,
	}
	queryCmd.Flags().StringVar(&vfRange, "vfs", "", "VF indices, e.g. 0-3,5 (default: every live VF)")
	queryCmd.Flags().StringVar(&format, "format", "detailed", "Output format: detailed, json")
	rootCmd.AddCommand(queryCmd)

	resetCmd := &cobra.Command{
		Use:   "reset DEVICE",
		Short: "Reset the PF, or the VFs given by --vfs",
		Args:  cobra.ExactArgs(1),
		RunE:  resetFunctions,
	}
	resetCmd.Flags().StringVar(&vfRange, "vfs", "", "VF indices to reset instead of the PF")
	rootCmd.AddCommand(resetCmd)

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Describe every emulated device",
		RunE:  dumpDevices,
	}
	dumpCmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, simple, detailed")
	rootCmd.AddCommand(dumpCmd)

	variantsCmd := &cobra.Command{
		Use:   "variants",
		Short: "List the device variants the daemon knows",
		RunE:  listVariants,
	}
	rootCmd.AddCommand(variantsCmd)
}
