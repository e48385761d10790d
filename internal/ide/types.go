package ide

// Position is a zero-based line/character location. Character counts bytes
// within the line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span [Start, End).
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// RangeInFile locates a range inside a file.
type RangeInFile struct {
	Filepath string `json:"filepath"`
	Range    Range  `json:"range"`
}

// RangeInFileWithContents is a RangeInFile plus the text it covers.
type RangeInFileWithContents struct {
	RangeInFile
	Contents string `json:"contents"`
}

// EditKind discriminates FileSystemEdit variants.
type EditKind string

const (
	EditFile            EditKind = "file_edit"
	EditAddFile         EditKind = "add_file"
	EditDeleteFile      EditKind = "delete_file"
	EditAddDirectory    EditKind = "add_directory"
	EditDeleteDirectory EditKind = "delete_directory"
	EditPatch           EditKind = "patch"
	EditSequence        EditKind = "sequence"
)

// FileSystemEdit is one mutation of the workspace. Only the fields relevant
// to Kind are set.
type FileSystemEdit struct {
	Kind        EditKind         `json:"kind"`
	Filepath    string           `json:"filepath,omitempty"`
	Range       *Range           `json:"range,omitempty"`       // file_edit
	Replacement string           `json:"replacement,omitempty"` // file_edit
	Content     string           `json:"content,omitempty"`     // add_file
	Diff        string           `json:"diff,omitempty"`        // patch (unified diff)
	Edits       []FileSystemEdit `json:"edits,omitempty"`       // sequence
}

// EditDiff pairs an applied edit with the edit that undoes it.
type EditDiff struct {
	Forward  FileSystemEdit `json:"forward"`
	Backward FileSystemEdit `json:"backward"`
}

// FileEditWithFullContents records an edit made outside of any step
// together with the file contents before and after it.
type FileEditWithFullContents struct {
	Edit             FileSystemEdit `json:"edit"`
	PreviousContents string         `json:"previous_contents"`
	Contents         string         `json:"contents"`
}

// NewFileEdit replaces rng in path with replacement.
func NewFileEdit(path string, rng Range, replacement string) FileSystemEdit {
	r := rng
	return FileSystemEdit{Kind: EditFile, Filepath: path, Range: &r, Replacement: replacement}
}

// NewAddFile creates path with content.
func NewAddFile(path, content string) FileSystemEdit {
	return FileSystemEdit{Kind: EditAddFile, Filepath: path, Content: content}
}

// NewDeleteFile removes path.
func NewDeleteFile(path string) FileSystemEdit {
	return FileSystemEdit{Kind: EditDeleteFile, Filepath: path}
}

// NewAddDirectory creates the directory path.
func NewAddDirectory(path string) FileSystemEdit {
	return FileSystemEdit{Kind: EditAddDirectory, Filepath: path}
}

// NewDeleteDirectory removes the directory path and its contents.
func NewDeleteDirectory(path string) FileSystemEdit {
	return FileSystemEdit{Kind: EditDeleteDirectory, Filepath: path}
}

// NewPatch applies a unified diff to path.
func NewPatch(path, diff string) FileSystemEdit {
	return FileSystemEdit{Kind: EditPatch, Filepath: path, Diff: diff}
}

// NewSequence applies edits in order.
func NewSequence(edits ...FileSystemEdit) FileSystemEdit {
	return FileSystemEdit{Kind: EditSequence, Edits: edits}
}

// Paths lists every file path the edit touches.
func (e FileSystemEdit) Paths() []string {
	if e.Kind != EditSequence {
		if e.Filepath == "" {
			return nil
		}
		return []string{e.Filepath}
	}
	seen := make(map[string]bool)
	var paths []string
	for _, child := range e.Edits {
		for _, p := range child.Paths() {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	return paths
}
