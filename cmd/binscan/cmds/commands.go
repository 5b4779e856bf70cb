package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/binscan/binscan/pkg/config"
	"github.com/binscan/binscan/pkg/dwarf"
	"github.com/binscan/binscan/pkg/logflags"
	"github.com/binscan/binscan/pkg/scanner"
	"github.com/binscan/binscan/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the location of the configuration file.
	configPath string

	// Overrides of configuration options, applied when the flag is set.
	maxConcurrency int
	targetTimeout  time.Duration
	outputFormat   string
	colorMode      string

	// filesFuzzy selects fuzzy matching in the files command.
	filesFuzzy bool
	// relativeAddrs makes addr2line take addresses relative to the image base.
	relativeAddrs bool
	// verbose prints dependency information in the version command.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
	out  io.Writer = os.Stdout
	// color is whether out accepts ANSI escape sequences.
	color bool
)

const binscanCommandLongDesc = `Binscan reports how executables were built from their DWARF debugging information.

It decodes .debug_info and .debug_line of ELF, Mach-O and PE binaries and recovers the
compilers, compiler flags and source files that went into them.

Many binaries can be scanned at once, for example:

` + "`binscan scan /usr/bin/*`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main binscan root command.
	rootCommand = &cobra.Command{
		Use:   "binscan",
		Short: "Binscan inspects the DWARF debugging information of executables.",
		Long:  binscanCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if docCall {
				return nil
			}
			return setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'binscan help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'binscan help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to $HOME/.binscan/config.yml.")
	rootCommand.PersistentFlags().StringVar(&outputFormat, "format", "", "Output format, text or yaml. Overrides output-format.")
	rootCommand.PersistentFlags().StringVar(&colorMode, "color", "", "Colored output: auto, always or never. Overrides color.")

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:   "scan file...",
		Short: "Report the compilers and sources of executables.",
		Long: `Decodes the debugging information of every file and reports, for each one,
the compilers that produced its compilation units, their flags and the source
files listed in its line tables.

Files are scanned concurrently. A file that cannot be decoded is reported as
failed without affecting the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: scanCmd,
	}
	scanCommand.Flags().IntVarP(&maxConcurrency, "jobs", "j", 0, "Number of files scanned in parallel. Overrides max-concurrency.")
	scanCommand.Flags().DurationVar(&targetTimeout, "timeout", 0, "Time allowed for each file. Overrides target-timeout.")
	rootCommand.AddCommand(scanCommand)

	// 'info' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "info file",
		Short: "Print the debugging information entries of an executable.",
		Args:  cobra.ExactArgs(1),
		RunE:  infoCmd,
	})

	// 'lines' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "lines file",
		Short: "Print the line tables of an executable.",
		Args:  cobra.ExactArgs(1),
		RunE:  linesCmd,
	})

	// 'files' subcommand.
	filesCommand := &cobra.Command{
		Use:   "files file [prefix]",
		Short: "List the source files of an executable.",
		Long: `Lists the source files named by the line tables of an executable.

If prefix is given only the paths starting with it are listed, with --fuzzy the
paths containing its characters in order.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: filesCmd,
	}
	filesCommand.Flags().BoolVar(&filesFuzzy, "fuzzy", false, "Fuzzy match the prefix.")
	rootCommand.AddCommand(filesCommand)

	// 'addr2line' subcommand.
	addr2lineCommand := &cobra.Command{
		Use:   "addr2line file addr...",
		Short: "Translate addresses into source locations.",
		Long: `Translates addresses into file:line:column locations using the line tables.

Addresses are parsed as Go integer literals (0x prefix for hexadecimal) and are
taken as virtual addresses unless --relative is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: addr2lineCmd,
	}
	addr2lineCommand.Flags().BoolVar(&relativeAddrs, "relative", false, "Addresses are relative to the image base.")
	rootCommand.AddCommand(addr2lineCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "Binscan\n%s\n", version.BinscanVersion)
			if verbose {
				fmt.Fprintf(out, "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	scanner		Log progress and failures of the scan driver (default)
	loader		Log opening of executables and section loading
	dwarf		Log units of .debug_info that could not be decoded
	debuglineerr	Log recoverable errors reading .debug_line

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func setup(cmd *cobra.Command) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}

	var err error
	conf, err = config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(cmd.Flags()); err != nil {
		return err
	}

	if f, ok := out.(*os.File); ok {
		terminal := isatty.IsTerminal(f.Fd())
		color = conf.UseColor(terminal)
		if color {
			out = colorable.NewColorable(f)
		}
	} else {
		color = conf.UseColor(false)
	}
	return nil
}

// applyOverrides copies the flags set on the command line over the
// configuration file values.
func applyOverrides(flags *pflag.FlagSet) error {
	if flags.Changed("jobs") {
		conf.MaxConcurrency = maxConcurrency
	}
	if flags.Changed("timeout") {
		conf.TargetTimeout = targetTimeout
	}
	if flags.Changed("format") {
		conf.OutputFormat = outputFormat
	}
	if flags.Changed("color") {
		conf.Color = colorMode
	}
	return conf.Validate()
}

func scanCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := scanner.New(conf)
	reports, err := s.Scan(ctx, args)
	if perr := printReports(out, reports, conf.OutputFormat, color); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if st := s.Stats(); st.Failed > 0 {
		return fmt.Errorf("%d of %d files could not be scanned", st.Failed, st.Targets)
	}
	return nil
}

// open loads the debugging information of path with the configured
// options. The returned function releases the executable.
func open(path string) (*dwarf.Data, uint64, func(), error) {
	f, d, err := scanner.New(conf).Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	return d, f.ImageBase(), func() { f.Close() }, nil
}

func infoCmd(cmd *cobra.Command, args []string) error {
	d, _, closeFn, err := open(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	return printUnits(out, d, color)
}

func linesCmd(cmd *cobra.Command, args []string) error {
	d, _, closeFn, err := open(args[0])
	if err != nil {
		return err
	}
	defer closeFn()
	return printLines(out, d, color)
}

func filesCmd(cmd *cobra.Command, args []string) error {
	d, _, closeFn, err := open(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	var paths []string
	switch {
	case len(args) < 2:
		paths = d.SourcePaths()
	case filesFuzzy:
		paths = d.FuzzyFiles(args[1])
	default:
		paths = d.FilesWithPrefix(args[1])
	}
	for _, p := range paths {
		fmt.Fprintln(out, conf.SubstitutePath.Substitute(p))
	}
	return nil
}

func addr2lineCmd(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(args[1:])
	if err != nil {
		return err
	}
	d, base, closeFn, err := open(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	for i, addr := range addrs {
		pc := addr
		if !relativeAddrs {
			if addr < base {
				fmt.Fprintf(out, "%s\t??:0\n", args[i+1])
				continue
			}
			pc = addr - base
		}
		row, _ := d.PCToLine(pc)
		loc := dwarf.Location(row)
		if row != nil && row.File != nil {
			loc = strings.Replace(loc, row.File.Path, conf.SubstitutePath.Substitute(row.File.Path), 1)
		}
		fmt.Fprintf(out, "%s\t%s\n", args[i+1], loc)
	}
	return nil
}

func parseAddrs(args []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(args))
	for _, arg := range args {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", arg, errors.Unwrap(err))
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
