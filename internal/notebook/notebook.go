// Package notebook keeps the backend's in-memory copy of a notebook: one
// string per code or markdown cell, plus the path and language the language
// server needs.
package notebook

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultLanguage is used until the notebook metadata or the client says
// otherwise.
const DefaultLanguage = "python"

// cellSeparator joins cells into the single text document the language
// server sees.
const cellSeparator = "\n\n"

// MaxCellGap bounds how many blank cells an edit past the end may create.
const MaxCellGap = 256

// ErrNoCell is returned for cell indexes outside the notebook.
var ErrNoCell = errors.New("notebook: no such cell")

// Notebook is not safe for concurrent use; the bridge mutates each one from
// a single queue.
type Notebook struct {
	Path     string
	Name     string
	Language string
	Version  int
	Cells    []string
}

// New returns an empty notebook at path holding one blank cell.
func New(path string) *Notebook {
	nb := &Notebook{Language: DefaultLanguage, Cells: []string{""}}
	nb.SetPath(path)
	return nb
}

// Load reads the notebook file at path. A missing file yields New(path), as
// for a notebook that has never been saved.
func Load(path string) (*Notebook, error) {
	nb := New(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nb, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notebook: read %s: %w", path, err)
	}
	if err := nb.parse(data); err != nil {
		return nil, fmt.Errorf("notebook: parse %s: %w", path, err)
	}
	return nb, nil
}

func (nb *Notebook) parse(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(data)

	var cells []string
	doc.Get("cells").ForEach(func(_, cell gjson.Result) bool {
		switch cell.Get("cell_type").String() {
		case "code", "markdown":
			cells = append(cells, cellSource(cell.Get("source")))
		}
		return true
	})
	if len(cells) > 0 {
		nb.Cells = cells
	}

	if lang := doc.Get("metadata.kernelspec.language").String(); lang != "" {
		nb.Language = strings.ToLower(lang)
	}
	return nil
}

// cellSource accepts both nbformat encodings of a cell's source: a single
// string or a list of lines.
func cellSource(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var b strings.Builder
	for _, line := range v.Array() {
		b.WriteString(line.String())
	}
	return b.String()
}

// UpdateCell replaces the content of cell. An index past the end appends
// blank cells up to it, since the client only reports updates for cells it
// may never have announced.
func (nb *Notebook) UpdateCell(cell int, content string) error {
	if err := nb.checkGrow(cell); err != nil {
		return err
	}
	nb.pad(cell)
	if cell == len(nb.Cells) {
		nb.Cells = append(nb.Cells, content)
		return nil
	}
	nb.Cells[cell] = content
	return nil
}

// AddCell inserts a cell at index cell, padding any gap with blank cells.
func (nb *Notebook) AddCell(cell int, content string) error {
	if err := nb.checkGrow(cell); err != nil {
		return err
	}
	nb.pad(cell)
	nb.Cells = append(nb.Cells, "")
	copy(nb.Cells[cell+1:], nb.Cells[cell:])
	nb.Cells[cell] = content
	return nil
}

// DeleteCell removes the cell at index cell.
func (nb *Notebook) DeleteCell(cell int) error {
	if cell < 0 || cell >= len(nb.Cells) {
		return fmt.Errorf("%w: %d", ErrNoCell, cell)
	}
	nb.Cells = append(nb.Cells[:cell], nb.Cells[cell+1:]...)
	return nil
}

// checkGrow rejects negative indexes and indexes more than MaxCellGap past
// the last cell.
func (nb *Notebook) checkGrow(cell int) error {
	if cell < 0 || cell-len(nb.Cells) > MaxCellGap {
		return fmt.Errorf("%w: %d", ErrNoCell, cell)
	}
	return nil
}

func (nb *Notebook) pad(cell int) {
	for len(nb.Cells) < cell {
		nb.Cells = append(nb.Cells, "")
	}
}

// SetLanguage records the kernel language, lower-cased.
func (nb *Notebook) SetLanguage(language string) {
	nb.Language = strings.ToLower(language)
}

// SetPath records a new path. Name is the path without a leading slash.
func (nb *Notebook) SetPath(path string) {
	nb.Path = path
	nb.Name = strings.TrimPrefix(path, "/")
}

// URI is the document URI used with the language server.
func (nb *Notebook) URI() string {
	return "file:///" + nb.Name
}

// BumpVersion increments and returns the document version.
func (nb *Notebook) BumpVersion() int {
	nb.Version++
	return nb.Version
}

// Document is a point-in-time copy of what the language server should see.
type Document struct {
	URI      string
	Language string
	Version  int
	Text     string
}

// Snapshot copies the notebook's current state.
func (nb *Notebook) Snapshot() Document {
	return Document{
		URI:      nb.URI(),
		Language: nb.Language,
		Version:  nb.Version,
		Text:     nb.FullCode(),
	}
}

// FullCode renders the notebook as one document, cells separated by a blank
// line.
func (nb *Notebook) FullCode() string {
	return strings.Join(nb.Cells, cellSeparator)
}

// AbsoluteLine maps a line within cell to its line in FullCode.
func (nb *Notebook) AbsoluteLine(cell, line int) int {
	abs := line
	for i := 0; i < cell && i < len(nb.Cells); i++ {
		abs += strings.Count(nb.Cells[i], "\n") + 2
	}
	return abs
}
