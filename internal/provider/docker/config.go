package docker

// Config holds configuration for the Docker sandbox backend.
type Config struct {
	Image       string
	MemoryLimit int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
	// PublicHost is the host name clients use to reach published ports.
	PublicHost string
	// Workdir is created and used as the working directory of every exec.
	Workdir string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Image:       "node:20-bookworm",
		MemoryLimit: 2 * 1024 * 1024 * 1024, // 2GB
		NanoCPUs:    2_000_000_000,          // 2 CPUs
		PidsLimit:   512,
		NetworkMode: "bridge",
		PublicHost:  "localhost",
		Workdir:     "/home/user/app",
	}
}
