package am

import "github.com/teranos/harvest/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend.Identifier {
	case BackendGWDG, BackendHPC, BackendLocalQueue:
	default:
		return errors.Newf("backend.identifier must be one of %s, %s, %s, got %q",
			BackendGWDG, BackendHPC, BackendLocalQueue, c.Backend.Identifier)
	}

	if c.Backend.Identifier == BackendGWDG || c.Backend.Identifier == BackendHPC {
		if c.Cluster.Host == "" {
			return errors.WithHint(errors.New("cluster.host cannot be empty for a cluster backend"),
				"set cluster.host or switch backend.identifier to LOCALQUEUE")
		}
		if c.Cluster.Username == "" {
			return errors.New("cluster.username cannot be empty for a cluster backend")
		}
		if c.Cluster.RootPath == "" || c.Cluster.LogPath == "" {
			return errors.New("cluster.root_path and cluster.log_path are required for a cluster backend")
		}
		if c.Cluster.Tunnel.Enabled && c.Cluster.Tunnel.Host == "" {
			return errors.New("cluster.tunnel.host cannot be empty when the tunnel is enabled")
		}
	}

	if c.Cluster.CoresPerJob < 0 {
		return errors.Newf("cluster.cores_per_job must be >= 0, got %d", c.Cluster.CoresPerJob)
	}
	if c.Cluster.HostsPerJob < 0 {
		return errors.Newf("cluster.hosts_per_job must be >= 0, got %d", c.Cluster.HostsPerJob)
	}
	if c.Cluster.Tunnel.TimeoutSeconds < 0 {
		return errors.Newf("cluster.tunnel.timeout_seconds must be >= 0, got %d", c.Cluster.Tunnel.TimeoutSeconds)
	}

	// 0 workers = enqueue only, negative = invalid
	if c.Queue.Workers < 0 {
		return errors.Newf("queue.workers must be >= 0, got %d", c.Queue.Workers)
	}
	if c.Queue.PollIntervalMS < 0 {
		return errors.Newf("queue.poll_interval_ms must be >= 0, got %d", c.Queue.PollIntervalMS)
	}
	if c.Queue.CoresPerJob < 0 {
		return errors.Newf("queue.cores_per_job must be >= 0, got %d", c.Queue.CoresPerJob)
	}

	if c.Validation.SimilarityThreshold < 0 || c.Validation.SimilarityThreshold > 100 {
		return errors.Newf("validation.similarity_threshold must be within 0..100, got %d", c.Validation.SimilarityThreshold)
	}

	return nil
}
