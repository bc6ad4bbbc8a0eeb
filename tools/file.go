package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/voocel/codebox/schema"
)

// Read formats accepted by read_file.
const (
	FormatRaw      = "raw"
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

var (
	createFileSpec = Spec{
		Name:        KindCreateFile.String(),
		Description: "Create or overwrite a file in the workspace. Parent directories are created as needed.",
		Params: []Param{
			{Name: "path", Type: schema.TypeString, Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: schema.TypeString, Description: "Full file content", Required: true},
		},
	}
	readFileSpec = Spec{
		Name:        KindReadFile.String(),
		Description: "Read a file from the workspace. HTML files can be returned as plain text or markdown.",
		Params: []Param{
			{Name: "path", Type: schema.TypeString, Description: "File path relative to the workspace", Required: true},
			{Name: "format", Type: schema.TypeString, Description: "Output format for HTML files: raw (default), text or markdown"},
		},
	}
	listDirectorySpec = Spec{
		Name:        KindListDirectory.String(),
		Description: "List the immediate children of a workspace directory.",
		Params: []Param{
			{Name: "path", Type: schema.TypeString, Description: "Directory path relative to the workspace (default: workspace root)"},
		},
	}
	deletePathSpec = Spec{
		Name:        KindDeletePath.String(),
		Description: "Delete a file, or a directory and everything in it.",
		Params: []Param{
			{Name: "path", Type: schema.TypeString, Description: "Path relative to the workspace", Required: true},
		},
	}
)

type createFile struct{ env Env }

func (*createFile) sealed()    {}
func (*createFile) Kind() Kind { return KindCreateFile }
func (*createFile) Spec() Spec { return createFileSpec }

type createFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *createFile) Execute(_ context.Context, args json.RawMessage) Envelope {
	var a createFileArgs
	return execute(createFileSpec, args, &a, func() Envelope {
		abs, err := t.env.Workspace.Resolve(a.Path)
		if err != nil {
			return Fail(err)
		}
		if t.env.Workspace.IsRoot(abs) {
			return Fail(schema.NewValidationError("path", a.Path, "must name a file"))
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return Fail(ioError("create_file", err))
		}
		if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
			return Fail(ioError("create_file", err))
		}
		rel := t.env.Workspace.Rel(abs)
		return OK(map[string]any{
			"message": "File created: " + rel,
			"path":    rel,
			"bytes":   len(a.Content),
		})
	})
}

type readFile struct{ env Env }

func (*readFile) sealed()    {}
func (*readFile) Kind() Kind { return KindReadFile }
func (*readFile) Spec() Spec { return readFileSpec }

type readFileArgs struct {
	Path   string `json:"path"`
	Format string `json:"format"`
}

func (t *readFile) Execute(_ context.Context, args json.RawMessage) Envelope {
	var a readFileArgs
	return execute(readFileSpec, args, &a, func() Envelope {
		format := a.Format
		if format == "" {
			format = FormatRaw
		}
		if format != FormatRaw && format != FormatText && format != FormatMarkdown {
			return Fail(schema.NewValidationError("format", a.Format, "expected raw, text or markdown"))
		}

		abs, err := t.env.Workspace.Resolve(a.Path)
		if err != nil {
			return Fail(err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return Fail(statError("read_file", a.Path, err))
		}
		if info.IsDir() {
			return Fail(ioError("read_file", fmt.Errorf("%s is a directory", a.Path)))
		}
		if limit := t.env.Limits.MaxReadBytes; limit > 0 && info.Size() > limit {
			return Fail(ioError("read_file", fmt.Errorf("file is %s, larger than the %s read limit",
				formatSize(int(info.Size())), formatSize(int(limit)))))
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			return Fail(statError("read_file", a.Path, err))
		}

		content := string(data)
		if format != FormatRaw && isHTML(abs, data) {
			content, err = renderHTML(content, format)
			if err != nil {
				return Fail(ioError("read_file", err))
			}
		}

		return OK(map[string]any{
			"content": content,
			"size":    len(data),
			"path":    t.env.Workspace.Rel(abs),
		})
	})
}

type listDirectory struct{ env Env }

func (*listDirectory) sealed()    {}
func (*listDirectory) Kind() Kind { return KindListDirectory }
func (*listDirectory) Spec() Spec { return listDirectorySpec }

type listDirectoryArgs struct {
	Path string `json:"path"`
}

// Entry is one child reported by list_directory.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size *int64 `json:"size,omitempty"`
}

func (t *listDirectory) Execute(_ context.Context, args json.RawMessage) Envelope {
	var a listDirectoryArgs
	return execute(listDirectorySpec, args, &a, func() Envelope {
		abs, err := t.env.Workspace.Resolve(a.Path)
		if err != nil {
			return Fail(err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return Fail(statError("list_directory", a.Path, err))
		}
		if !info.IsDir() {
			return Fail(schema.NewToolError("list_directory", "stat", fmt.Errorf("%w: %s is not a directory", schema.ErrNotFound, a.Path)))
		}

		dirEntries, err := os.ReadDir(abs)
		if err != nil {
			return Fail(ioError("list_directory", err))
		}
		sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

		entries := make([]Entry, 0, len(dirEntries))
		for _, de := range dirEntries {
			child := filepath.Join(abs, de.Name())
			entry := Entry{Name: de.Name(), Path: t.env.Workspace.Rel(child), Type: "file"}
			fi, err := os.Stat(child)
			if err != nil {
				// broken symlink
				fi, err = de.Info()
				if err != nil {
					continue
				}
			}
			if fi.IsDir() {
				entry.Type = "directory"
			} else {
				size := fi.Size()
				entry.Size = &size
			}
			entries = append(entries, entry)
		}

		return OK(map[string]any{
			"path":    t.env.Workspace.Rel(abs),
			"entries": entries,
			"count":   len(entries),
		})
	})
}

type deletePath struct{ env Env }

func (*deletePath) sealed()    {}
func (*deletePath) Kind() Kind { return KindDeletePath }
func (*deletePath) Spec() Spec { return deletePathSpec }

type deletePathArgs struct {
	Path string `json:"path"`
}

func (t *deletePath) Execute(_ context.Context, args json.RawMessage) Envelope {
	var a deletePathArgs
	return execute(deletePathSpec, args, &a, func() Envelope {
		abs, err := t.env.Workspace.ResolveEntry(a.Path)
		if err != nil {
			return Fail(err)
		}
		if t.env.Workspace.IsRoot(abs) {
			return Fail(schema.NewValidationError("path", a.Path, "cannot delete the workspace root"))
		}
		info, err := os.Lstat(abs)
		if err != nil {
			return Fail(statError("delete_path", a.Path, err))
		}

		rel := t.env.Workspace.Rel(abs)
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(abs); err != nil {
				return Fail(ioError("delete_path", err))
			}
			return OK(map[string]any{"message": "Link deleted: " + rel, "path": rel, "type": "symlink"})
		}
		if info.IsDir() {
			if err := os.RemoveAll(abs); err != nil {
				return Fail(ioError("delete_path", err))
			}
			return OK(map[string]any{"message": "Directory deleted: " + rel, "path": rel, "type": "directory"})
		}
		if err := os.Remove(abs); err != nil {
			return Fail(ioError("delete_path", err))
		}
		return OK(map[string]any{"message": "File deleted: " + rel, "path": rel, "type": "file"})
	})
}

func ioError(tool string, err error) error {
	return schema.NewToolError(tool, "io", fmt.Errorf("%w: %v", schema.ErrIO, err))
}

func statError(tool, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return schema.NewToolError(tool, "stat", fmt.Errorf("%w: %s", schema.ErrNotFound, path))
	}
	return ioError(tool, err)
}
