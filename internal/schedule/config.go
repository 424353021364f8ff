package schedule

// Config bounds admission and per-step batching decisions. Field names
// mirror the snake_case knobs the system this was modeled on reads from
// configuration; internal/config exposes them via the same names.
type Config struct {
	MaxBatchSize       int
	MaxTokenLen        int
	MaxStepTokens      int
	MaxWaitingQueueLen int
	BlockTokenNum      int
}
