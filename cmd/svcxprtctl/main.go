package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/svcxprt/pkg/svcxprt"
)

var (
	configPath string

	registry *svcxprt.Registry
	poolSet  *svcxprt.PoolSet
	service  *svcxprt.Service
	aging    *svcxprt.AgingController
)

var rootCmd = &cobra.Command{
	Use:     "svcxprtctl",
	Short:   "svcxprtctl - administer a svcxprt transport scheduler",
	Long:    `svcxprtctl is the administrative client for the svcxprt transport class registry and pool scheduler, analogous to a service-control utility sitting alongside a running server.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap()
	},
}

var createCmd = &cobra.Command{
	Use:   "create [class] [address]",
	Short: "Create a listening transport of the given class",
	Args:  cobra.ExactArgs(2),
	RunE:  runCreate,
}

var xprtNamesCmd = &cobra.Command{
	Use:   "xprt-names",
	Short: "Print \"<class> <port>\" for every permanent transport",
	RunE:  runXprtNames,
}

var printXprtsCmd = &cobra.Command{
	Use:   "print-xprts",
	Short: "Print \"<class> <max_payload>\" for every registered class",
	RunE:  runPrintXprts,
}

var ageNowCmd = &cobra.Command{
	Use:   "age-now [address]",
	Short: "Immediately close every temporary transport whose local address matches address",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgeNow,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the pool scheduler stats surface",
	RunE:  runStats,
}

var wakeUpCmd = &cobra.Command{
	Use:   "wake-up",
	Short: "Set TASK_PENDING on pool 0 and wake one idle worker",
	RunE:  runWakeUp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	createCmd.Flags().String("family", "unix", "address family: unix, inet, inet6")

	rootCmd.AddCommand(createCmd, xprtNamesCmd, printXprtsCmd, ageNowCmd, statsCmd, wakeUpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap wires up a registry, a pool set, and one service for the
// lifetime of a single CLI invocation. A long-running server would share
// these across requests instead; the CLI recreates them each time since
// it has no persistent process to attach to.
func bootstrap() error {
	cfg, err := svcxprt.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := svcxprt.NewLogger(cfg.Logging)

	registry = svcxprt.NewRegistry(nil, cfg.Registry.AutoloadPrefix)
	codec, err := svcxprt.NewCodec(svcxprt.CodecJSON)
	if err != nil {
		return fmt.Errorf("build codec: %w", err)
	}
	streamOps := &svcxprt.StreamOps{
		Codec:   codec,
		Sockets: svcxprt.NewSocketManager(cfg.Socket),
	}
	if _, err := registry.Register(svcxprt.StreamClassName, svcxprt.FamilyUnspecified, 0, streamOps); err != nil {
		return fmt.Errorf("register stream class: %w", err)
	}

	poolSet = svcxprt.NewPoolSet(cfg.Pools.Count, logger, cfg.Scheduler.ThreadWaitBusy, cfg.Scheduler.ThreadWaitIdle, cfg.Scheduler.PerConnectionLimit)
	service = svcxprt.NewService("svcxprtctl", registry, poolSet)
	aging = svcxprt.NewAgingController(service, cfg.Aging.AgePeriod, cfg.Aging.MaxTmpConn, logger)
	service.Aging = aging

	return nil
}

func parseFamily(s string) svcxprt.Family {
	switch s {
	case "inet":
		return svcxprt.FamilyINet
	case "inet6":
		return svcxprt.FamilyINet6
	default:
		return svcxprt.FamilyUnix
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	class, addr := args[0], args[1]
	familyStr, _ := cmd.Flags().GetString("family")

	t, err := registry.Create(service, class, parseFamily(familyStr), addr, 0, nil)
	if err != nil {
		return err
	}
	fmt.Printf("created %s transport on %s (refcount=%d)\n", class, t.LocalAddr, t.Refcount())
	return nil
}

// runXprtNames implements §6.1's xprt_names(service): a "<class> <port>\n"
// line per permanent-list transport, the same multiset §8's round-trip
// law checks against.
func runXprtNames(cmd *cobra.Command, args []string) error {
	fmt.Print(service.XprtNames())
	return nil
}

// runPrintXprts implements §6.1's print_xprts: a "<class> <max_payload>\n"
// line per registered transport class.
func runPrintXprts(cmd *cobra.Command, args []string) error {
	fmt.Print(registry.PrintXprts())
	return nil
}

func runAgeNow(cmd *cobra.Command, args []string) error {
	addr, err := net.ResolveUnixAddr("unix", args[0])
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	if n := aging.AgeNow(addr); n == 0 {
		return fmt.Errorf("no temporary transport found at %s", args[0])
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	return svcxprt.WriteStats(os.Stdout, poolSet.Pools())
}

// runWakeUp implements §6.1's wake_up(service): set TASK_PENDING on pool 0
// and wake one idle thread, for out-of-band service work with no
// transport of its own to enqueue.
func runWakeUp(cmd *cobra.Command, args []string) error {
	poolSet.WakeUp()
	fmt.Println("woke pool 0")
	return nil
}
