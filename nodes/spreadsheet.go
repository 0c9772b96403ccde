package nodes

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sebastianwelsh/modex/exchange"
)

// Spreadsheet converts between a spreadsheet binary and IR JSON by
// shelling out to an external conversion routine whose internals are
// opaque to ModEx. Only the invocation is ModEx's concern;
// ToIRCmd/FromIRCmd supply whatever command the caller's converter
// expects.
type Spreadsheet struct {
	identifier   string
	workbookPath string
	irPath       string

	// ToIRCmd/FromIRCmd build the external command that converts
	// workbookPath into irPath, and irPath back into workbookPath.
	// Exposed as funcs rather than a fixed binary name so tests can
	// substitute a fake converter.
	ToIRCmd   func(workbookPath, irPath string) *exec.Cmd
	FromIRCmd func(irPath, workbookPath string) *exec.Cmd

	Timeout time.Duration
}

// NewSpreadsheet wraps workbookPath/irPath with the default converter
// invocation: an external `modex-xlsx` binary taking `--in`/`--out`.
func NewSpreadsheet(identifier, workbookPath, irPath string) *Spreadsheet {
	return &Spreadsheet{
		identifier:   identifier,
		workbookPath: workbookPath,
		irPath:       irPath,
		ToIRCmd: func(workbook, ir string) *exec.Cmd {
			return exec.Command("modex-xlsx", "--in", workbook, "--out", ir, "--direction", "to-ir")
		},
		FromIRCmd: func(ir, workbook string) *exec.Cmd {
			return exec.Command("modex-xlsx", "--in", ir, "--out", workbook, "--direction", "from-ir")
		},
		Timeout: 30 * time.Second,
	}
}

func (s *Spreadsheet) Identifier() string       { return s.identifier }
func (s *Spreadsheet) SedaromlFilename() string { return s.irPath }

// Read converts the workbook into IR, generating irPath if it is
// missing.
func (s *Spreadsheet) Read() (*exchange.ModelIR, error) {
	if err := s.runConversion(s.ToIRCmd(s.workbookPath, s.irPath)); err != nil {
		return nil, fmt.Errorf("nodes: converting spreadsheet to ir: %w", err)
	}
	f, err := os.Open(s.irPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return exchange.DecodeModelIR(f)
}

// Write regenerates the workbook from ir.
func (s *Spreadsheet) Write(ir *exchange.ModelIR) error {
	f, err := os.Create(s.irPath)
	if err != nil {
		return err
	}
	if err := exchange.EncodeModelIR(f, ir); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.runConversion(s.FromIRCmd(s.irPath, s.workbookPath)); err != nil {
		return fmt.Errorf("nodes: regenerating spreadsheet: %w", err)
	}
	return nil
}

func (s *Spreadsheet) runConversion(cmd *exec.Cmd) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	cmd = exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, out)
	}
	return nil
}
