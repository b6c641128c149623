// Command partvisor probes host virtualization capability and runs scripted
// guest scenarios through the software host model.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/partvisor/partvisor/internal/sim"
)

var version = "devel"

func colorize() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func styled(style ansi.Style, s string) string {
	if !colorize() {
		return s
	}
	return style.Styled(s)
}

var rootCmd = &cobra.Command{
	Use:           "partvisor",
	Short:         "per-CPU virtualization core driver",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "report host virtualization capability",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := hostCPUFlags()
		if err != nil {
			return err
		}
		ok := styled(ansi.Style{}.ForegroundColor(ansi.Green), "yes")
		missing := styled(ansi.Style{}.ForegroundColor(ansi.Red), "no")
		for _, f := range []struct{ flag, desc string }{
			{"svm", "secure virtual machine extension"},
			{"npt", "nested paging"},
			{"decodeassists", "instruction decode assists"},
			{"flushbyasid", "tlb flush by guest tag"},
			{"avic", "accelerated interrupt controller"},
		} {
			state := missing
			if flags[f.flag] {
				state = ok
			}
			fmt.Printf("%-16s %-40s %s\n", f.flag, f.desc, state)
		}
		return nil
	},
}

// hostCPUFlags reads the kernel's view of the CPU feature flags.
func hostCPUFlags() (map[string]bool, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	flags := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) != "flags" {
			continue
		}
		for _, f := range strings.Fields(rest) {
			flags[f] = true
		}
		break
	}
	return flags, nil
}

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "run a scripted scenario through the software host model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := sim.LoadScenario(args[0])
		if err != nil {
			return err
		}
		world, err := sim.BuildWorld(sc)
		if err != nil {
			return err
		}
		defer world.Close()

		stats, runErr := world.Run()

		title := styled(ansi.Style{}.Bold(), sc.Name)
		fmt.Printf("scenario %s: %d entries\n", title, world.Runner.Entries)
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-24s %d\n", k, stats[k])
		}
		if runErr != nil {
			return fmt.Errorf("run: %w", runErr)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("partvisor", version)
	},
}

func main() {
	rootCmd.AddCommand(probeCmd, runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
