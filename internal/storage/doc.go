// Package storage persists the coalescing engine's state in SQLite.
//
// Tables:
//   - events: one row per observed notification (insert-if-absent)
//   - thread_state: per-thread debounce/cooldown state
//   - thread_batch_history: what each thread's last batch already covered
//   - scheduled_tasks: next-run bookkeeping for recurring prompts
//   - sessions: one row per process run
//
// All mutation goes through single-row upserts or transactional bulk updates.
package storage
