package cli

import (
	"fmt"

	"github.com/dl/amictl/internal/proto"
)

// OutFormat selects how command results are rendered.
type OutFormat int

const (
	FormatTable OutFormat = iota
	FormatJSON
)

// ParseFormat maps the -f argument.
func ParseFormat(s string) (OutFormat, error) {
	switch s {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatTable, fmt.Errorf("invalid output format %q", s)
}

// ParseBootDevice maps the -t argument.
func ParseBootDevice(s string) (proto.BootDevice, error) {
	switch s {
	case "primary":
		return proto.BootPrimary, nil
	case "secondary":
		return proto.BootSecondary, nil
	}
	return proto.BootPrimary, fmt.Errorf("boot device %q does not exist", s)
}

// Config holds the options shared by every command plus the per-command
// extras; each Run* entry point validates the fields it uses.
type Config struct {
	// Device selection: a PCI BDF, or a plain window file when WindowFile
	// is set (simulator sessions).
	BDF        string
	WindowFile string

	Format  OutFormat
	Output  string // output file path; empty writes to stdout
	Verbose bool

	// pdi_program
	Image       string
	Partition   uint8
	BootDevice  proto.BootDevice
	SkipConfirm bool
	Force       bool

	// module_byte_wr
	Cage  uint8
	Page  uint8
	Byte  uint8
	Value uint8
}

// Validate checks the device selector, the one thing every command needs.
func (c *Config) Validate() error {
	if c.BDF == "" && c.WindowFile == "" {
		return fmt.Errorf("no device specified")
	}
	if c.BDF != "" && c.WindowFile != "" {
		return fmt.Errorf("cannot use both a BDF and a window file")
	}
	return nil
}
