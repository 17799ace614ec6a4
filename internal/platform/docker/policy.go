package docker

// Policy holds the container settings that do not vary per run.
// Per-run ceilings (time, memory, output) arrive in domain.RunSpec.
type Policy struct {
	// Image must contain nothing the binary needs; programs are static.
	Image string
	// User is the uid:gid the program runs as.
	User string
	// PidsLimit caps processes and threads inside the container.
	PidsLimit int64
	// NanoCPUs is the CPU quota in units of 1e-9 CPUs.
	NanoCPUs int64
	// TmpfsSize is the size option for the writable /tmp, e.g. "16m".
	TmpfsSize string
	// MountPath is where the artifact directory appears inside the container.
	MountPath string
	// ReportReserve is extra stderr capacity for the harness report line.
	ReportReserve int64
}

// DefaultPolicy returns a locked-down policy suitable for untrusted snippets.
func DefaultPolicy() Policy {
	return Policy{
		Image:         "gcr.io/distroless/static-debian12:nonroot",
		User:          "65534:65534",
		PidsLimit:     64,
		NanoCPUs:      1_000_000_000,
		TmpfsSize:     "16m",
		MountPath:     "/sandbox",
		ReportReserve: 32 * 1024,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Image == "" {
		p.Image = d.Image
	}
	if p.User == "" {
		p.User = d.User
	}
	if p.PidsLimit <= 0 {
		p.PidsLimit = d.PidsLimit
	}
	if p.NanoCPUs <= 0 {
		p.NanoCPUs = d.NanoCPUs
	}
	if p.TmpfsSize == "" {
		p.TmpfsSize = d.TmpfsSize
	}
	if p.MountPath == "" {
		p.MountPath = d.MountPath
	}
	if p.ReportReserve <= 0 {
		p.ReportReserve = d.ReportReserve
	}
	return p
}
