package config

import "time"

// Engine knobs. All env-overridable; defaults chosen for Cloud Run workers.
//
// - SYNC_STALE_THRESHOLD_SECONDS   (default 900)  zombie detection; empirical, not derived
// - SYNC_ZOMBIE_SWEEP_SECONDS      (default 60)   background sweep interval
// - SYNC_CHUNK_TIMEOUT_SECONDS     (default 90)   per-chunk execution bound
// - SYNC_CHUNK_PACE_MS             (default 250)  delay between rate-limited chunks
// - SYNC_INVOCATION_BUDGET_SECONDS (default 240)  soft ceiling per worker invocation
// - SYNC_MAX_CONSECUTIVE_FAILURES  (default 3)    chunk failures before run goes failed
// - SYNC_CHUNK_RETRIES             (default 2)    transient retries within one chunk
// - SYNC_PAGE_LIMIT                (default per source) page size requested from sources; read in sources
// - SYNC_CSV_CHUNK_BYTES           (default 262144) bulk-text chunk target size
// - UNIFY_BATCH_SIZE               (default 500, max 2000) staged rows per merge chunk

func StaleRunThreshold() time.Duration {
	return time.Duration(intFromEnv("SYNC_STALE_THRESHOLD_SECONDS", 900)) * time.Second
}

func ZombieSweepInterval() time.Duration {
	return time.Duration(intFromEnv("SYNC_ZOMBIE_SWEEP_SECONDS", 60)) * time.Second
}

func ChunkTimeout() time.Duration {
	return time.Duration(intFromEnv("SYNC_CHUNK_TIMEOUT_SECONDS", 90)) * time.Second
}

func ChunkPaceDelay() time.Duration {
	return time.Duration(intFromEnv("SYNC_CHUNK_PACE_MS", 250)) * time.Millisecond
}

func InvocationBudget() time.Duration {
	return time.Duration(intFromEnv("SYNC_INVOCATION_BUDGET_SECONDS", 240)) * time.Second
}

func MaxConsecutiveChunkFailures() int {
	n := intFromEnv("SYNC_MAX_CONSECUTIVE_FAILURES", 3)
	if n < 1 {
		n = 1
	}
	return n
}

func ChunkRetryCount() int {
	n := intFromEnv("SYNC_CHUNK_RETRIES", 2)
	if n < 0 {
		n = 0
	}
	return n
}

func CSVChunkBytes() int {
	n := intFromEnv("SYNC_CSV_CHUNK_BYTES", 256<<10)
	if n < 4<<10 {
		n = 4 << 10
	}
	return n
}

func UnifyBatchSize() int {
	n := intFromEnv("UNIFY_BATCH_SIZE", 500)
	if n < 1 {
		n = 500
	}
	if n > 2000 {
		n = 2000
	}
	return n
}
