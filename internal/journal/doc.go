package journal

// Package journal persists run history: task executions, child restarts and
// trigger fires, recorded off the event bus.
//
// It currently supports:
//   - A dependency-free JSON Lines file backend
//   - A SQLite backend (modernc.org/sqlite, pure Go)
