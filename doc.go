// Package cogito is an event-driven orchestrator for LLM-backed background
// tasks. A single EventBus connects the pieces: external input becomes a
// task, each task runs a reason/act loop through an explicit state machine,
// and every state-changing event is appended to a JSONL log so tasks survive
// restarts. A conversation layer sits on top, spawning and resuming tasks
// from an inner-monologue loop.
//
// Minimal wiring:
//
//	bus := cogito.NewEventBus()
//	registry := cogito.NewTaskRegistry(50, logger)
//	tools := cogito.NewToolRegistry()
//	subagents := cogito.NewSubagentRegistry(systemPrompt, tools)
//
//	executor := cogito.NewToolExecutor(tools, bus)
//	persister, _ := cogito.NewTaskPersister(dataDir)
//	persister.Attach(bus)
//
//	llm := cogito.WithRetry(provider)
//	agent := cogito.NewAgent(bus, registry, llm, subagents, executor,
//		cogito.WithPersister(persister))
//
//	session, _ := cogito.NewSessionStore(dataDir)
//	orch := cogito.NewOrchestrator(agent, llm, session, cogito.NewSkillRegistry(),
//		cogito.ReplierFunc(deliver))
//
//	ctx := context.Background()
//	bus.Start(ctx)
//	agent.Start(ctx)
//	orch.Start(ctx)
//
// User input enters through orch.HandleMessage; programmatic task submission
// through agent.Submit. Task outcomes flow back to the conversation as
// notifications.
package cogito
