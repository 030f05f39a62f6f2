// Package sandbox implements the per-project sandboxed execution
// engine: container lifecycle, command validation, host port
// allocation, streamed command execution, and health monitoring.
//
// Each project owns at most one sandbox, created on the first execution
// or open request and destroyed explicitly or by the expiry sweep. The
// engine labels every container it creates; those labels are the sole
// recovery mechanism, letting the controlling process restart without
// orphaning or double-managing sandboxes.
//
// Typical wiring:
//
//	rt, err := sandbox.NewDockerRuntime(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr, err := sandbox.NewManager(ctx, rt, sandbox.ManagerOptions{
//	    WorkspaceRoot: "/srv/appbox/projects",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	streamer := sandbox.NewStreamer(mgr, &sandbox.Guard{}, nil)
//
//	events, err := streamer.Run(ctx, "proj-1", "user-1", sandbox.KindNode, "npm install", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for evt := range events {
//	    fmt.Println(evt.Type, evt.Data)
//	}
//
// Commands are validated before any runtime contact: blocklisted
// operations, injection shapes, and path traversal are rejected with a
// structured reason. Accepted commands are classified by risk and
// sanitized. File access goes through ValidatePath, which jails every
// path to the project's dedicated directory.
package sandbox
