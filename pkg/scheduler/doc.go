/*
Package scheduler implements the code-distribution core's task model
(C6) and control loop (C7).

# Task model

A Task is keyed by the backend's task key (the application name) and
carries one or more named Configs, each with an independent activation
Schedule (force, runonce, crontab, planned, period). CanStart evaluates
the §4.6 predicate table; GetActiveConfig returns the first
configuration, in server order, whose predicate currently holds.
last_run state lives in the content cache (not the Task struct),
keyed by configuration ID under the "scheduler" tag, so it survives a
process restart.

# Control loop

Scheduler.Run ticks on an interval (TASK_POLL, overridable at runtime
by a server-pushed poll_delay), and on each tick:

 1. posts a status report over every known task to the "task" endpoint,
    falling back to the cached desired task set on a transport failure;
 2. dispatches the response's keys to named handlers (active, stop,
    poll_delay, logger_config, shell, and debug-only preview_* keys);
 3. stops every task named by a "stop" directive, retrying up to
    STOP_TRIES times before giving up and logging;
 4. launches a worker for every remaining task whose active
    configuration fires and which is not already running.

A single control goroutine owns the task table; a separate goroutine
per spawned worker watches for process exit and forwards an
exitNotification, keeping the "reaper writes only last_run, the
control loop writes the table" discipline described in the design
notes.
*/
package scheduler
