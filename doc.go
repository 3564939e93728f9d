// Package kandra provides an autonomous code-migration orchestrator.
//
// Kandra takes a legacy repository, analyzes it, plans a phased migration
// to a target stack, and executes the plan with an LLM-driven agent inside
// a sandboxed workspace. Every step is recorded as an immutable event, so
// a migration can be watched live over a websocket or replayed later from
// the log.
//
// # Quick Start
//
// Install Kandra:
//
//	go install github.com/kandra-ai/kandra/cmd/kandra@latest
//
// Start the server (requires GEMINI_API_KEY):
//
//	kandra serve
//
// Create a migration job:
//
//	curl -X POST localhost:8000/v1/jobs \
//	  -H 'Content-Type: application/json' \
//	  -d '{"repo_url": "https://github.com/acme/legacy-api", "target_stack": "Fastify + TypeScript"}'
//
// Then generate a plan with POST /v1/jobs/{id}/plan, watch progress on
// ws://localhost:8000/v1/jobs/{id}/stream, and approve it with
// POST /v1/jobs/{id}/approve.
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/kandra-ai/kandra/pkg/jobs"
//	    "github.com/kandra-ai/kandra/pkg/events"
//	    "github.com/kandra-ai/kandra/pkg/agents"
//	)
//
// # Key Features
//
//   - **Event-sourced**: every agent thought, tool call, and status change
//     is an immutable log row, replayable over the stream endpoint
//   - **Human gate**: plans require explicit approval before execution
//   - **Sandboxed tools**: the executor's shell and file tools are locked
//     to the job workspace
//   - **Audit trail**: a certification dossier is produced for each
//     finished migration
//
// # Architecture
//
// Kandra follows an event-sourced pipeline:
//
//	Client → REST API → Job Service → Agents (Analyzer/Planner/Executor/Auditor)
//	                        ↓
//	                   Event Log → Bus → WebSocket streams
//
// Job state transitions live in the jobs service; agents only emit events
// and return errors.
//
// # License
//
// Apache-2.0 - See LICENSE for details.
package kandra
