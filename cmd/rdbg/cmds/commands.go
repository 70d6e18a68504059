package cmds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/debuda/riscdbg/pkg/config"
	"github.com/debuda/riscdbg/pkg/dwarf/frame"
	"github.com/debuda/riscdbg/pkg/dwarf/op"
	"github.com/debuda/riscdbg/pkg/dwarf/regnum"
	"github.com/debuda/riscdbg/pkg/logflags"
	"github.com/debuda/riscdbg/pkg/proc"
	"github.com/debuda/riscdbg/pkg/risc"
	"github.com/debuda/riscdbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// chipName overrides the chip generation of the config file.
	chipName string
	// fdeCacheSize overrides the number of established CFI rows cached per image.
	fdeCacheSize int
	// loadOffset is the address the ELF was loaded at, empty to use the
	// elf-offsets config entry.
	loadOffset string

	// cfiPC selects the single row printed by 'cfi'.
	cfiPC string
	// verbose prints build information with 'version'.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const rdbgCommandLongDesc = `rdbg inspects the firmware of the RISC-V cores of a tile based accelerator.

The commands below work offline on ELF files and chip descriptions: they
dump the call frame information the stack unwinder uses, decode DWARF
location expressions and instruction words, and describe the cores and
debug registers of each chip generation.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:           "rdbg",
		Short:         "rdbg is a debugger for the RISC-V cores of tile based accelerators.",
		Long:          rdbgCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			applyOverrides(cmd.Flags())
			return nil
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rdbg help log').")
	rootCommand.PersistentFlags().StringVar(&chipName, "chip", conf.Chip, "Chip generation ("+strings.Join(risc.ChipNames(), ", ")+").")
	rootCommand.PersistentFlags().IntVar(&fdeCacheSize, "fde-cache-size", conf.FDECacheSize, "Number of established CFI rows cached per ELF.")

	// 'cfi' subcommand.
	cfiCommand := &cobra.Command{
		Use:   "cfi <path/to/elf>",
		Short: "Print the call frame information of an ELF.",
		Long: `Print the rows of the .debug_frame tables of an ELF.

Every row lists the rule computing the canonical frame address (cfa) and the
rules recovering the registers saved by the function. With --pc only the row
in effect at that address is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: cfiCmd,
	}
	cfiCommand.Flags().StringVar(&cfiPC, "pc", "", "Only print the row in effect at this address.")
	cfiCommand.Flags().StringVar(&loadOffset, "offset", "", "Address the ELF was loaded at (default from the elf-offsets config entry).")
	rootCommand.AddCommand(cfiCommand)

	// 'funcs' subcommand.
	funcsCommand := &cobra.Command{
		Use:   "funcs <path/to/elf>",
		Short: "List the functions of an ELF.",
		Args:  cobra.ExactArgs(1),
		RunE:  funcsCmd,
	}
	funcsCommand.Flags().StringVar(&loadOffset, "offset", "", "Address the ELF was loaded at (default from the elf-offsets config entry).")
	rootCommand.AddCommand(funcsCommand)

	// 'expr' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "expr <hex bytes>",
		Short: "Decode a DWARF expression.",
		Long: `Decode a DWARF location or CFI expression given as hex bytes, for
example 'rdbg expr 9178' prints DW_OP_fbreg -0x8.`,
		Args: cobra.MinimumNArgs(1),
		RunE: exprCmd,
	})

	// 'disasm' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "disasm <word>...",
		Short: "Disassemble RISC-V instruction words.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  disasmCmd,
	})

	// 'cores' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "cores",
		Short: "List the cores of a chip generation.",
		Args:  cobra.NoArgs,
		RunE:  coresCmd,
	})

	// 'registers' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "registers [prefix]",
		Short: "List the debug registers of a chip generation.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  registersCmd,
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rdbg debugger\n%s\n", version.RdbgVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
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


	risc		Log the debug protocol of each core
	hwdebug		Log every debug register access
	stack		Log stack unwinding
	dwarfop		Log evaluation of DWARF expressions
	frame		Log decoding of call frame information
	cli		Log command execution

Warnings are always printed, also for components that were not selected.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// applyOverrides copies the flags set on the command line into conf.
func applyOverrides(flags *pflag.FlagSet) {
	if flags.Changed("chip") {
		conf.Chip = chipName
	}
	if flags.Changed("fde-cache-size") {
		conf.FDECacheSize = fdeCacheSize
	}
}

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

// offsetOf returns the load offset of the ELF at path: the --offset flag,
// or the elf-offsets entry of the config file.
func offsetOf(path string) (uint64, error) {
	if loadOffset != "" {
		return parseAddress(loadOffset)
	}
	if off, ok := conf.ElfOffsets[path]; ok {
		return off, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		if off, ok := conf.ElfOffsets[abs]; ok {
			return off, nil
		}
	}
	return 0, nil
}

func loadImage(path string) (*proc.BinaryInfo, uint64, error) {
	off, err := offsetOf(path)
	if err != nil {
		return nil, 0, err
	}
	bi, err := proc.LoadBinaryInfo(path, conf.FDECacheSize)
	if err != nil {
		return nil, 0, err
	}
	logflags.CLILogger().Debugf("loaded %s at %#x: %d functions", path, off, len(bi.Functions))
	return bi, off, nil
}

func cfiCmd(cmd *cobra.Command, args []string) error {
	bi, off, err := loadImage(args[0])
	if err != nil {
		return err
	}
	defer bi.Close()
	out := cmd.OutOrStdout()
	idx := bi.FrameIndex()

	if cfiPC != "" {
		pc, err := parseAddress(cfiPC)
		if err != nil {
			return err
		}
		if pc < off {
			return fmt.Errorf("pc %#x is below the load offset %#x", pc, off)
		}
		fde, row, ok, err := idx.RowForPC(pc - off)
		if err != nil {
			return err
		}
		printFDEHeader(out, bi, fde, off)
		if !ok {
			fmt.Fprintf(out, "\tno row for %#x\n", pc)
			return nil
		}
		printRow(out, row, off)
		return nil
	}

	for _, fde := range idx.FDEs() {
		printFDEHeader(out, bi, fde, off)
		rows, err := idx.Rows(fde)
		if err != nil {
			fmt.Fprintf(out, "\t%v\n", err)
			continue
		}
		for _, row := range rows {
			printRow(out, row, off)
		}
	}
	return nil
}

func printFDEHeader(out io.Writer, bi *proc.BinaryInfo, fde *frame.FrameDescriptionEntry, off uint64) {
	name := "?"
	if fn := bi.PCToFunc(fde.Begin()); fn != nil {
		name = fn.Name
	}
	fmt.Fprintf(out, "%s [%#x, %#x)\n", name, fde.Begin()+off, fde.End()+off)
}

func printRow(out io.Writer, row frame.Row, off uint64) {
	fmt.Fprintf(out, "\t%#x: cfa=%s", row.Loc+off, formatCFA(row.CFA))
	regs := make([]uint64, 0, len(row.Regs))
	for reg := range row.Regs {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	for _, reg := range regs {
		fmt.Fprintf(out, " %s=%s", regnum.RISCVToABIName(reg), formatRule(row.Regs[reg]))
	}
	fmt.Fprintln(out)
}

func formatCFA(rule frame.DWRule) string {
	switch rule.Rule {
	case frame.RuleCFA:
		return fmt.Sprintf("%s%+d", regnum.RISCVToABIName(rule.Reg), rule.Offset)
	case frame.RuleExpression:
		return "{" + op.Disassemble(rule.Expression) + "}"
	default:
		return rule.Rule.String()
	}
}

func formatRule(rule frame.DWRule) string {
	switch rule.Rule {
	case frame.RuleOffset:
		return fmt.Sprintf("[cfa%+d]", rule.Offset)
	case frame.RuleValOffset:
		return fmt.Sprintf("cfa%+d", rule.Offset)
	case frame.RuleRegister:
		return regnum.RISCVToABIName(rule.Reg)
	case frame.RuleExpression:
		return "[{" + op.Disassemble(rule.Expression) + "}]"
	case frame.RuleValExpression:
		return "{" + op.Disassemble(rule.Expression) + "}"
	default:
		return rule.Rule.String()
	}
}

func funcsCmd(cmd *cobra.Command, args []string) error {
	bi, off, err := loadImage(args[0])
	if err != nil {
		return err
	}
	defer bi.Close()
	out := cmd.OutOrStdout()
	for _, fn := range bi.Functions {
		file, line, _ := bi.PCToLine(fn.Entry)
		fmt.Fprintf(out, "%#08x %#08x %s", fn.Entry+off, fn.End+off, fn.Name)
		if file != "" {
			fmt.Fprintf(out, " %s:%d", file, line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func exprCmd(cmd *cobra.Command, args []string) error {
	instr, err := hex.DecodeString(strings.Join(args, ""))
	if err != nil {
		return fmt.Errorf("could not decode expression: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), op.Disassemble(instr))
	return nil
}

func disasmCmd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, arg := range args {
		word, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid instruction word %q", arg)
		}
		fmt.Fprintf(out, "%08x\t%s\n", word, risc.Disassemble(uint32(word)))
	}
	return nil
}

func currentChip() (*risc.Chip, error) {
	chip, err := risc.LookupChip(conf.Chip)
	if err != nil {
		return nil, err
	}
	return chip, nil
}

func coresCmd(cmd *cobra.Command, args []string) error {
	chip, err := currentChip()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s:\n", chip.Name)
	for _, c := range chip.Cores() {
		fmt.Fprintf(out, "\t%-7s id=%d reset-bit=%d boot=%#x l1=%s private=%s",
			c.Name, c.RiscID, c.ResetBit, c.BootAddress, formatWindow(c.L1), formatWindow(c.PrivateMemory))
		if c.PCSignal != "" {
			fmt.Fprintf(out, " pc-signal=%s", c.PCSignal)
		}
		if !c.CanDebug {
			fmt.Fprint(out, " (no debug unit)")
		}
		fmt.Fprintln(out)
	}
	return nil
}

func formatWindow(w risc.MemoryWindow) string {
	if w.Empty() {
		return "-"
	}
	return fmt.Sprintf("[%#x, %#x)", w.Start, w.End)
}

var errNoRegisters = errors.New("no registers match")

func registersCmd(cmd *cobra.Command, args []string) error {
	chip, err := currentChip()
	if err != nil {
		return err
	}
	var prefix string
	if len(args) > 0 {
		prefix = args[0]
	}
	names := chip.Registers.Names(prefix)
	if len(names) == 0 {
		return fmt.Errorf("%w %q", errNoRegisters, prefix)
	}
	out := cmd.OutOrStdout()
	for _, name := range names {
		reg, _ := chip.Registers.Lookup(name)
		fmt.Fprintf(out, "%-32s %#x", name, reg.Address)
		if reg.Mask != 0xffffffff {
			fmt.Fprintf(out, " mask=%#x", reg.Mask)
		}
		fmt.Fprintln(out)
	}
	return nil
}
