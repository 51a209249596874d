// Package coda is the orchestration kernel of an interactive coding agent
// runtime: given a natural-language task and a working directory (local or
// SSH), it drives an LLM through a tool-using loop that reads, edits, and
// verifies source code.
//
// The package is organized around the dependency order of its components:
// Backend and ToolRegistry and LLMClient sit at the leaves (see the backend,
// tools, and llm packages); HistoryManager, PolicyEngine, SnapshotStore, and
// ContextState wrap them; IntentClassifier, ScoutRunner, Planner, and
// Decomposer compose the plan phase; Executor drives the agentic loop proper
// and is re-entered for both planning and building; Verifier gates
// completion; SessionStore (see the store package) persists the whole thing
// durably across reconnects.
//
//	be, _ := backend.NewLocal(workdir)
//	client, _ := llm.New(ctx, llm.WithModelID(modelID))
//	exec := coda.NewExecutor(coda.ExecutorConfig{
//		Backend: be,
//		Tools:   tools.NewDefaultRegistry(nil, nil),
//		LLM:     client,
//	})
//	result, err := exec.Run(ctx, coda.Task{Input: "fix the failing test"}, nil, sink, coda.RunOptions{})
package coda
