// Package logx provides the structured logging facade used across the
// worker and the supervisor daemon.
//
// It wraps zerolog behind a small Logger type whose zero value is a safe
// no-op, so components can embed a Logger field without nil checks. The
// Service variant supports live reconfiguration (console/file/notify sinks)
// driven by config hot reload.
package logx
