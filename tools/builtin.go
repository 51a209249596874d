package tools

// NewDefaultRegistry registers every built-in tool identity spec.md §4.2
// enumerates. lintCommand and onWrite are injected so the registry has no
// dependency on a specific language toolchain or cache implementation.
func NewDefaultRegistry(lintCommand func(path string) string, onWrite func(path string)) *Registry {
	r := NewRegistry()
	r.Register(ReadTool{})
	r.Register(WriteTool{OnWrite: onWrite})
	r.Register(EditTool{OnWrite: onWrite})
	r.Register(SymbolEditTool{OnWrite: onWrite})
	r.Register(ShellTool{})
	r.Register(GlobTool{})
	r.Register(SearchTool{})
	r.Register(FindSymbolTool{})
	r.Register(ListDirTool{})
	r.Register(ProjectTreeTool{})
	r.Register(LintTool{Command: lintCommand})
	r.Register(SemanticRetrieveTool{})
	r.Register(TodoWriteTool{})
	r.Register(TodoReadTool{})
	r.Register(MemoryWriteTool{})
	r.Register(MemoryReadTool{})
	r.Register(WebFetchTool{})
	r.Register(WebSearchTool{})
	r.Register(AskUserQuestionTool{})
	return r
}
