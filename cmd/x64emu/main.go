// Command x64emu loads and runs a statically- or dynamically-linked
// x86-64 Linux ELF executable under the user-mode emulator in pkg/emu.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/n-stott/x64emulator-sub005/pkg/emu"
)

var (
	flagJIT         bool
	flagJITChain    bool
	flagLogSyscalls bool
	flagWorkers     int
	flagProfile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "x64emu <binary> [guest-args...]",
	Short: "Run an x86-64 Linux executable under a user-mode emulator",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&flagJIT, "jit", false, "translate and cache basic blocks instead of single-stepping every instruction")
	flags.BoolVar(&flagJITChain, "jit-chain", false, "pass the block-chaining setting to the translator, which does not link blocks (requires --jit)")
	flags.BoolVar(&flagLogSyscalls, "log-syscalls", false, "log every syscall dispatch at debug level")
	flags.IntVar(&flagWorkers, "workers", 0, "scheduler worker count (0 selects the host's CPU count)")
	flags.StringVar(&flagProfile, "profile", "", "address to serve Prometheus metrics on, e.g. :6060 (disabled if empty)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := emu.Config{
		Argv:           args,
		Envp:           os.Environ(),
		Workers:        flagWorkers,
		EnableJIT:      flagJIT,
		EnableChaining: flagJITChain,
		LogSyscalls:    flagLogSyscalls,
		ProfileAddr:    flagProfile,
	}

	status, err := emu.Run(context.Background(), args[0], cfg)
	if err != nil {
		return err
	}
	os.Exit(status)
	return nil
}
