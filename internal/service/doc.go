package service

// Package service turns batch files into analysis runs.
//
// Overview
// A batch file names an analysis and its signals. LoadBatch parses it and
// reads the signal files concurrently. Service.Run prepares the batch through
// analysis.Facade, drives the scheduler with Ticks and shows the progress on
// stderr: a progress bar on a terminal, rate limited log lines otherwise.
//
// Data flow:
//
//   Service.Run         analysis.Batch          scheduler.Scheduler      worker process
//       |                     |                        |                       |
//   LoadBatch                 |                        |                       |
//       | Prepare() --------->| Add(items) ----------->|                       |
//       | for p := range Ticks() --------------------->| spawn ---------------->| _work <func>
//       |<------------------------- Progress ----------|<------ envelope ------| fd 3
//       | Results() --------->| decode payloads        |                       |
//       | upload to sinks, record history, print summary
//
// Every finished batch produces one JSON Report which is delivered to all
// sinks: stdout, a directory or a results repository. The batch history is an
// sqlite database, a batch is recorded when it starts and updated when it
// finishes or is terminated.
//
// Invariants:
//   - Failed jobs are part of the report, only a terminated batch fails Run.
//   - Workers inherit the environment of the service plus the worker section
//     of the configuration.
