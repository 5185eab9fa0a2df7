// Package orchestrator drives a single execution from admission to cleanup.
//
// Lifecycle:
//
//	created → validating_input → setting_up_workspace → running
//	        → {completed | timed_out | failed} → cleaning_up → done
//
// Every terminal branch converges through cleaning_up, where the workspace
// handle (if one was produced) is released exactly once.
//
// Running races the provider against a timer. When the timer wins the
// provider's context is cancelled and the orchestrator stops waiting; the
// exec provider turns that cancellation into SIGTERM → grace → SIGKILL.
// Before the workspace is released the orchestrator gives an abandoned
// provider a bounded amount of time to exit, so its working directory is not
// removed underneath it.
//
// Error handling:
//   - Empty prompt → error payload, zero usage, workspace untouched
//   - Workspace setup failure → failed with the setup error
//   - Unknown provider → failed
//   - Provider error or status=error → failed, reported usage preserved
//   - Timeout → timed_out, "execution timed out after <N>ms"
//   - Branch not pushed (opt-in) → otherwise-successful run downgraded to error
//   - Panics → recovered and converted into an error payload
//
// Execute never returns an error: every outcome is a protocol.CallbackPayload.
// Callback delivery failures are logged and recorded but do not change it.
package orchestrator
