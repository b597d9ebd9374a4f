package model

import (
	"errors"
)

var (
	// ErrScriptFileMissing the script file does not exist or is not readable.
	// It is returned before any process is spawned.
	ErrScriptFileMissing = errors.New("script file missing")
	// ErrSpawnFailed the OS failed to create the process or session.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrStreamRead reading an output stream failed, the stream is treated as closed.
	ErrStreamRead = errors.New("stream read error")
	// ErrLogWrite appending to a run log failed, the chunk is skipped.
	ErrLogWrite = errors.New("log write error")
	// ErrKillTargetNotFound no live handle exists for a run, it is never surfaced.
	ErrKillTargetNotFound = errors.New("kill target not found")
	// ErrRetentionItem deleting a single run during a sweep failed.
	ErrRetentionItem = errors.New("retention item error")
)
