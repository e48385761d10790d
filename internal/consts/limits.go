package consts

import "time"

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout2Minutes is a 2 minute timeout
	Timeout2Minutes = 2 * time.Minute
)

// Autopilot loop tuning
const (
	// HaltPollInterval is how often RequestHalt checks whether the run loop went idle
	HaltPollInterval = 50 * time.Millisecond
	// DefaultIDETimeout bounds a single IDE request/response round trip
	DefaultIDETimeout = Timeout30Seconds
	// DescribeTimeout bounds a background step summary
	DescribeTimeout = Timeout2Minutes
	// TitleTimeout bounds session title generation
	TitleTimeout = Timeout30Seconds
	// AutoSaveInterval is how often changed sessions are written to disk
	AutoSaveInterval = 2 * time.Second
)

// LLM defaults
const (
	// DefaultMaxTokens is the default maximum tokens for LLM responses
	DefaultMaxTokens = 1024
	// DefaultContextLength is used when a model's context window is not configured
	DefaultContextLength = 8192
	// TokenBufferForSafety is subtracted from the context window when pruning prompts
	TokenBufferForSafety = 100
	// KeepRecentMessages is how many trailing chat messages survive whole-message pruning
	KeepRecentMessages = 5
)

// Buffer sizes
const (
	// BufferSize256KB is 256 kilobytes
	BufferSize256KB = 256 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
	// MaxURLContextBytes caps the body read by the URL context provider
	MaxURLContextBytes = 2 * 1024 * 1024
	// WebSocketSendBuffer is the per-client outbound queue length
	WebSocketSendBuffer = 256
)
