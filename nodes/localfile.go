// Package nodes provides four reference Exchangeable implementations:
// a local file, a spreadsheet, a remote modeling service, and a
// co-simulation job.
package nodes

import (
	"os"

	"github.com/sebastianwelsh/modex/exchange"
)

// LocalFile is the identity-mapping Node: its sedaroml file IS the IR,
// so Read loads that same file, and a Changed command is a no-op (the
// orchestrator already wrote the file itself before notifying the Node;
// Write here does nothing).
type LocalFile struct {
	identifier string
	filename   string
}

// NewLocalFile wraps the sedaroml file at filename as a Node identified
// by identifier. filename need not exist yet: handleStart bootstraps an
// empty ModelIR if it is missing.
func NewLocalFile(identifier, filename string) *LocalFile {
	return &LocalFile{identifier: identifier, filename: filename}
}

func (f *LocalFile) Identifier() string       { return f.identifier }
func (f *LocalFile) SedaromlFilename() string { return f.filename }

// Read loads the IR from filename, returning an empty ModelIR if the
// file does not exist yet (a brand-new local-file Node has nothing to
// disagree with).
func (f *LocalFile) Read() (*exchange.ModelIR, error) {
	file, err := os.Open(f.filename)
	if os.IsNotExist(err) {
		return exchange.NewModelIR(), nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return exchange.DecodeModelIR(file)
}

// Write is a no-op: the orchestrator's own disk write to filename during
// a round already is the foreign representation for a local-file Node.
func (f *LocalFile) Write(_ *exchange.ModelIR) error {
	return nil
}
