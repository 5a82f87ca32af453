package k8s

// Config holds configuration for the K8s sandbox backend.
type Config struct {
	Namespace        string
	Image            string
	MemoryLimit      string
	CPULimit         string
	ImagePullSecret  string
	RuntimeClassName string
	Workdir          string
	// EndpointDomain, when set, makes Endpoint return
	// https://{port}-{sandbox}.{EndpointDomain} instead of the pod IP.
	EndpointDomain string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:   "default",
		Image:       "node:20-bookworm",
		MemoryLimit: "2Gi",
		CPULimit:    "2",
		Workdir:     "/home/user/app",
	}
}
