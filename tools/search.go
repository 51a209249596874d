package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GlobInput finds files by glob pattern.
type GlobInput struct {
	Pattern string `json:"pattern" jsonschema:"required"`
	Cwd     string `json:"cwd,omitempty"`
}

type GlobTool struct{}

func (GlobTool) Definition() Definition {
	return Definition{Name: "glob", Description: "Find files matching a glob pattern.", Class: ClassSafe, Schema: schemaFor(GlobInput{})}
}

func (GlobTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in GlobInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	matches, err := ec.Backend.GlobFind(ec.Ctx, in.Pattern, in.Cwd)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: strings.Join(matches, "\n")}
}

// SearchInput runs a regex search across files.
type SearchInput struct {
	Pattern string `json:"pattern" jsonschema:"required"`
	Path    string `json:"path,omitempty"`
	Include string `json:"include,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

type SearchTool struct{}

func (SearchTool) Definition() Definition {
	return Definition{Name: "search", Description: "Search file contents by regex.", Class: ClassSafe, Schema: schemaFor(SearchInput{})}
}

func (SearchTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in SearchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	out, err := ec.Backend.Search(ec.Ctx, in.Pattern, in.Path, in.Include, in.Cwd)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

// FindSymbolInput looks for a symbol definition by name using the same
// search path as SearchTool, with a heuristic pattern covering common
// definition keywords across languages.
type FindSymbolInput struct {
	Name string `json:"name" jsonschema:"required"`
	Cwd  string `json:"cwd,omitempty"`
}

type FindSymbolTool struct{}

func (FindSymbolTool) Definition() Definition {
	return Definition{Name: "find_symbol", Description: "Find where a symbol is defined.", Class: ClassSafe, Schema: schemaFor(FindSymbolInput{})}
}

func (FindSymbolTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in FindSymbolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	pattern := fmt.Sprintf(`(func|def|class|type|interface|const|let|var)\s+%s\b`, in.Name)
	out, err := ec.Backend.Search(ec.Ctx, pattern, "", "", in.Cwd)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

// ListDirInput lists one directory's entries.
type ListDirInput struct {
	Path string `json:"path" jsonschema:"required"`
}

type ListDirTool struct{}

func (ListDirTool) Definition() Definition {
	return Definition{Name: "list_dir", Description: "List one directory's entries.", Class: ClassSafe, Schema: schemaFor(ListDirInput{})}
}

func (ListDirTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in ListDirInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	entries, err := ec.Backend.ListDir(ec.Ctx, in.Path)
	if err != nil {
		return Result{Error: err.Error()}
	}
	var sb strings.Builder
	for _, e := range entries {
		marker := ""
		if e.Type == "dir" {
			marker = "/"
		}
		fmt.Fprintf(&sb, "%s%s\n", e.Name, marker)
	}
	return Result{Success: true, Output: sb.String()}
}

// ProjectTreeInput produces a recursive tree up to a depth bound.
type ProjectTreeInput struct {
	Path     string `json:"path,omitempty"`
	MaxDepth int    `json:"maxDepth,omitempty"`
}

type ProjectTreeTool struct{}

func (ProjectTreeTool) Definition() Definition {
	return Definition{Name: "project_tree", Description: "Render a recursive directory tree.", Class: ClassSafe, Schema: schemaFor(ProjectTreeInput{})}
}

func (ProjectTreeTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in ProjectTreeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	depth := in.MaxDepth
	if depth <= 0 {
		depth = 4
	}
	var sb strings.Builder
	if err := renderTree(ec, in.Path, 0, depth, &sb); err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: sb.String()}
}

func renderTree(ec ExecContext, path string, level, maxDepth int, sb *strings.Builder) error {
	if level > maxDepth {
		return nil
	}
	entries, err := ec.Backend.ListDir(ec.Ctx, path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == ".git" || e.Name == "node_modules" {
			continue
		}
		fmt.Fprintf(sb, "%s%s\n", strings.Repeat("  ", level), e.Name)
		if e.Type == "dir" {
			_ = renderTree(ec, path+"/"+e.Name, level+1, maxDepth, sb)
		}
	}
	return nil
}

// LintInput runs a project's lint command against one file. The actual
// lint command dispatch table is a Verifier concern (language profile
// commands); this tool is the same capability exposed directly to the model
// for a quick check after an edit (spec.md §4.12 "run the Lint tool").
type LintInput struct {
	Path string `json:"path" jsonschema:"required"`
}

type LintTool struct {
	// Command, given a file path, returns the shell command to lint it, or
	// "" if no lint command applies to this file's extension.
	Command func(path string) string
}

func (LintTool) Definition() Definition {
	return Definition{Name: "lint", Description: "Lint a single file using the project's configured linter.", Class: ClassSafe, Schema: schemaFor(LintInput{})}
}

func (t LintTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in LintInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	if t.Command == nil {
		return Result{Success: true, Output: "no issues"}
	}
	cmd := t.Command(in.Path)
	if cmd == "" {
		return Result{Success: true, Output: "no issues"}
	}
	stdout, stderr, rc, err := ec.Backend.RunCommand(ec.Ctx, cmd, "", 60)
	if err != nil {
		return Result{Error: err.Error()}
	}
	out := capOutput(stdout + stderr)
	if rc != 0 {
		return Result{Success: false, Output: out, Error: "lint reported issues"}
	}
	if strings.TrimSpace(out) == "" {
		return Result{Success: true, Output: "no issues"}
	}
	return Result{Success: true, Output: out}
}

// SemanticRetrieveInput delegates to the external SemanticIndex (out of
// core scope; spec.md §1 "the core consumes a SemanticIndex capability").
type SemanticRetrieveInput struct {
	Query string `json:"query" jsonschema:"required"`
	K     int    `json:"k,omitempty"`
}

type SemanticRetrieveTool struct{}

func (SemanticRetrieveTool) Definition() Definition {
	return Definition{Name: "semantic_retrieve", Description: "Retrieve semantically relevant code snippets.", Class: ClassSafe, Schema: schemaFor(SemanticRetrieveInput{})}
}

func (SemanticRetrieveTool) Execute(ec ExecContext, raw json.RawMessage) Result {
	var in SemanticRetrieveInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{Error: err.Error()}
	}
	k := in.K
	if k <= 0 {
		k = 5
	}
	results, err := ec.Runtime.SemanticRetrieve(ec.Ctx, in.Query, k)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Output: strings.Join(results, "\n---\n")}
}
