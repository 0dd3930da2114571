// Package trigger turns schedule strings into task admissions.
//
// A trigger binds a name, a schedule (cron expression, @every, plain
// duration, or HH:MM interval), and a registry action. When the schedule
// fires, the trigger admits a task into the supervisor-owned scheduler;
// execution, retries, and budgets are entirely the scheduler's business.
// With the default overlap policy a fire is skipped while the previous
// run's task is still live, which the scheduler's duplicate-id rule gives
// us for free.
package trigger
