/*
Package worker runs user code under supervision, either on its own goroutine (NewThread) or in a separate OS process (NewProcess), and gives the supervisor lifecycle control over it: Start, Running, Join, Kill, ExitCode and Check.

Both variants share one state machine:

	Pending --Start--> Running --clean return--> Stopped (exit code 0)
	                   Running --error or panic--> Failed (exit code 1, fault captured)
	                   Running --Kill or signal--> Killed (exit code -signal)

A fault in the body is captured into a capsule.Fault. Check returns that same fault every time it is called, so a supervisor can re-raise it from its own body, including across several levels of nested workers.

Go cannot fork a closure, so process workers run functions registered by name with Register at package init. The child re-executes the current binary, and Init, called first thing in main (or TestMain), dispatches to the registered function. The protocol between supervisor and child uses two pipes:

 1. fd 3, the report pipe (child -> supervisor), carries "spawned" and "pruned" records for the child's own descendants, and finally a "fault" record if the body failed.
 2. fd 4, the control pipe (supervisor -> child), carries one bootstrap frame with the entry name and arguments. The supervisor closing it flips the child's stop flag.

Every started worker is recorded in a Registry under the worker that started it, so Kill can take down a whole tree of workers, including workers started inside child processes.
*/
package worker
