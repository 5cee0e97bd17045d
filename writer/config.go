package writer

import "github.com/ruteri/spacestore/retry"

const (
	// DefaultMaxChunkSize is the largest item stored without chunking.
	DefaultMaxChunkSize = int64(1 << 30)

	// MemorySpoolLimit is the largest chunk buffered in memory for retries;
	// larger chunks are spooled to a temporary file.
	MemorySpoolLimit = int64(8 << 20)

	// DefaultWorkers bounds the concurrent writes of WriteAll.
	DefaultWorkers = 4
)

// Config controls a ContentWriter.
type Config struct {
	// MaxChunkSize is the size of every chunk but the last. Content of at
	// most this size is stored unchunked.
	MaxChunkSize int64

	// DiscardResults stops the writer from accumulating AddContentResults.
	// Failures are still returned and logged.
	DiscardResults bool

	// Retry bounds the attempts of every chunk, manifest and object upload.
	Retry retry.Policy

	// SpoolDir holds temporary files for chunks above MemorySpoolLimit.
	// Empty means the system temporary directory.
	SpoolDir string

	// FailFast stops WriteAll at the first failed item.
	FailFast bool

	// Workers bounds the concurrent writes of WriteAll.
	Workers int
}

// DefaultConfig returns 1 GiB chunks, three attempts and four workers.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize: DefaultMaxChunkSize,
		Retry:        retry.DefaultPolicy(),
		Workers:      DefaultWorkers,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}
