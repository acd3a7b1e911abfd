package domain

// HostMetrics is the externally sampled host readout a collaborator pushes to
// the relay. The relay keeps only the most recent sample and echoes it in
// diagnostics.
type HostMetrics struct {
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemUsedBytes  uint64  `json:"memUsedBytes"`
	MemTotalBytes uint64  `json:"memTotalBytes"`
	ReportedAt    int64   `json:"reportedAt"`
}

// Validate rejects structurally invalid samples.
func (m *HostMetrics) Validate() error {
	if m.Hostname == "" {
		return &ValidationError{Field: "hostname", Reason: "must not be empty"}
	}
	if m.CPUPercent < 0 || m.CPUPercent > 100 {
		return &ValidationError{Field: "cpuPercent", Reason: "must be within [0,100]"}
	}
	if m.MemTotalBytes > 0 && m.MemUsedBytes > m.MemTotalBytes {
		return &ValidationError{Field: "memUsedBytes", Reason: "exceeds memTotalBytes"}
	}
	return nil
}
