package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/dl/amictl/internal/output"
	"github.com/dl/amictl/internal/pdi"
)

// Exit codes: 0 = success, 1 = failure. An unanswered confirmation prompt
// is a failure.
const (
	ExitOK   = 0
	ExitFail = 1
)

func newLogger(cfg Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false, Prefix: "amictl"})
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

func formatter(cfg Config) output.Formatter {
	if cfg.Format == FormatJSON {
		return output.NewJSONFormatter()
	}
	return output.NewTableFormatter()
}

func writeReport(cfg Config, r output.Report) error {
	f, done, err := openOutput(cfg)
	if err != nil {
		return err
	}
	defer done()
	_, err = f.Write(formatter(cfg).Format(r))
	return err
}

// RunMfgInfo implements the mfg_info command.
func RunMfgInfo(cfg Config) int {
	logger := newLogger(cfg)
	s, err := OpenSession(cfg, logger)
	if err != nil {
		logger.Error("could not open device", "err", err)
		return ExitFail
	}
	defer s.Close()

	info, err := s.Prog.BoardInfo(context.Background())
	if err != nil {
		logger.Error("could not read manufacturing information", "err", err)
		return ExitFail
	}

	r := output.Report{Title: "Manufacturing Information"}
	r.AddRow("Product Name", info.ProductName)
	r.AddRow("Part Number", info.PartNumber)
	r.AddRow("Revision", info.MfgPartRevision)
	r.AddRow("Serial", info.Serial)
	r.AddRow("Mfg Date", info.MfgDate)
	r.AddRow("MAC Count", info.NumMacIDs)
	r.AddRow("First MAC", info.Mac)
	r.AddRow("UUID", info.UUID)

	if err := writeReport(cfg, r); err != nil {
		logger.Error("could not write output", "err", err)
		return ExitFail
	}
	return ExitOK
}

// RunCfgmemInfo implements the cfgmem_info command.
func RunCfgmemInfo(cfg Config) int {
	logger := newLogger(cfg)
	s, err := OpenSession(cfg, logger)
	if err != nil {
		logger.Error("could not open device", "err", err)
		return ExitFail
	}
	defer s.Close()

	t, err := s.Prog.ReadFPT(context.Background(), cfg.BootDevice)
	if err != nil {
		logger.Error("could not read partition table", "err", err)
		return ExitFail
	}

	r := output.Report{Title: "Flash Partition Table"}
	r.AddRow("Boot Device", cfg.BootDevice.String())
	r.AddRow("Version", fmt.Sprintf("%d", t.Version))
	r.AddRow("Entries", fmt.Sprintf("%d", t.NumEntries))

	sec := output.Section{
		Title:   "Partitions",
		Columns: []string{"Index", "Type", "Base", "Size"},
	}
	for i, e := range t.Entries {
		sec.Records = append(sec.Records, []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("0x%02x", e.Type),
			fmt.Sprintf("0x%08x", e.Base),
			fmt.Sprintf("0x%08x", e.Size),
		})
	}
	r.Sections = append(r.Sections, sec)

	if err := writeReport(cfg, r); err != nil {
		logger.Error("could not write output", "err", err)
		return ExitFail
	}
	return ExitOK
}

// RunPDIProgram implements the pdi_program command: parse the image,
// check compatibility, confirm, stream.
func RunPDIProgram(cfg Config) int {
	logger := newLogger(cfg)

	img, err := os.ReadFile(cfg.Image)
	if err != nil {
		logger.Error("provided image does not exist", "path", cfg.Image, "err", err)
		return ExitFail
	}

	s, err := OpenSession(cfg, logger)
	if err != nil {
		logger.Error("could not open device", "err", err)
		return ExitFail
	}
	defer s.Close()

	current := "N/A"
	if id, err := s.LogicUUID(); err == nil {
		current = id.String()
	}
	parent := "N/A"
	info, perr := pdi.Parse(img)
	if perr != nil {
		logger.Warn("could not parse image metadata", "err", perr)
	} else {
		parent = info.ParentUUID()
	}

	fmt.Printf("Current UUID | %s\nParent UUID  | %s\nImage        | %s\n", current, parent, cfg.Image)

	if !cfg.Force && perr == nil && !uuidCompatible(current, parent) {
		logger.Error("image parent ID does not match the device", "parent", parent)
		return ExitFail
	}

	if !cfg.SkipConfirm && !confirm(os.Stdin, confirmPrompt, 'Y', confirmAttempts, confirmTimeout) {
		fmt.Println("Aborting...")
		return ExitFail
	}

	fmt.Println("Programming pdi image...")
	bar := newProgressBar(os.Stdout)
	err = s.Prog.DownloadPDI(context.Background(), img, cfg.BootDevice, cfg.Partition, bar.update)
	bar.finish()
	if err != nil {
		logger.Error("could not program PDI", "err", err)
		return ExitFail
	}

	fmt.Println("OK. PDI has been programmed successfully.")
	return ExitOK
}

// RunModuleByteWr implements the module_byte_wr command.
func RunModuleByteWr(cfg Config) int {
	logger := newLogger(cfg)
	s, err := OpenSession(cfg, logger)
	if err != nil {
		logger.Error("could not open device", "err", err)
		return ExitFail
	}
	defer s.Close()

	fmt.Printf("Writing value 0x%02x to page %d, byte 0x%02x (cage %d)\n",
		cfg.Value, cfg.Page, cfg.Byte, cfg.Cage)

	if err := s.Prog.ModuleWrite(context.Background(), cfg.Cage, cfg.Page, cfg.Byte, cfg.Value); err != nil {
		logger.Error("could not write data", "err", err)
		return ExitFail
	}
	fmt.Println("OK - value written successfully")
	return ExitOK
}

// uuidCompatible compares the device logic UUID against the image's parent
// id. The parent id is only the low 15 hex digits, so match on suffix of
// the dash-stripped device UUID.
func uuidCompatible(current, parent string) bool {
	if current == "N/A" || parent == "N/A" {
		return false
	}
	c := ""
	for _, r := range current {
		if r != '-' {
			c += string(r)
		}
	}
	if len(c) < len(parent) {
		return false
	}
	return c[len(c)-len(parent):] == parent
}
