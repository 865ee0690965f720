// Package scheduler triggers recurring jobs (scheduled prompts, retention
// maintenance) into the task engine.
//
// Each job's next run is persisted, so a restart resumes the plan instead
// of starting over. A job that became due while the process was down runs
// once on the first sweep; missed occurrences are not replayed.
package scheduler
