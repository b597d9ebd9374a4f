package service

// Package service wires the components of a batchrun process.
//
// Overview
// A Service owns the RunStore, the LiveFeed, the Engine and the retention
// Sweeper built from one model.Config. The cmd/batchrun commands create a
// Service, use the parts they need and Close it.
//
// Data flow:
//
//   Engine.RunScript        Runner              Engine.stream          Feed
//       |                     |                     |                   |
//   store.Create ----------->| Start()              |                   |
//   store.MarkRunning <------| Handle               |                   |
//       |                     | stdout/stderr ----->| log file          |
//       |                     |                     | progress -------->| Publish
//       |                     | Wait() ------------>| store.Finish ---->| Terminate
//       |                     |                     |                   |
//                                               ws  <- feed.Handler <---|
//
// Serve runs the daemon part: it finalizes runs orphaned by a previous process,
// starts the Sweeper and exposes GET /runs/{id}/events until the context is
// canceled.
//
// Configuration:
//   - YAML file validated by the CUE schema in internal/model
//   - .env files loaded by LoadDotEnv
//   - BATCHRUN_STORE_DRIVER, BATCHRUN_STORE_DSN, BATCHRUN_SERVICE_LISTEN and
//     BATCHRUN_LOGS_DIR override the file, see ApplyEnv
//
// Scripts started by a Service outlive Close. Only KillRuns terminates them.
