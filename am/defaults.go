package am

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/viper"
)

// Default values shared with the components that read them
const (
	DefaultDatabasePath        = "harvest.db"
	DefaultVCSPlugin           = "vcsshark"
	DefaultTimeLimit           = "2-00:00:00"
	DefaultTunnelBasePort      = 10020
	DefaultSimilarityThreshold = 50
	DefaultPollIntervalMS      = 1000
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("backend.identifier", BackendLocalQueue)

	v.SetDefault("cluster.port", 22)
	v.SetDefault("cluster.cores_per_job", 4)
	v.SetDefault("cluster.hosts_per_job", 1)
	v.SetDefault("cluster.time_limit", DefaultTimeLimit)
	v.SetDefault("cluster.vcs_plugin", DefaultVCSPlugin)
	v.SetDefault("cluster.tunnel.port", 22)
	v.SetDefault("cluster.tunnel.base_local_port", DefaultTunnelBasePort)
	v.SetDefault("cluster.tunnel.timeout_seconds", 60)
	v.SetDefault("cluster.tunnel.attempts_per_sec", 2.0)

	v.SetDefault("queue.root_path", "/tmp/harvest/projects")
	v.SetDefault("queue.plugin_path", "/tmp/harvest/plugins")
	v.SetDefault("queue.output_path", "/tmp/harvest/output")
	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("queue.timeout_seconds", 120)

	v.SetDefault("mongo.host", "localhost")
	v.SetDefault("mongo.port", 27017)
	v.SetDefault("mongo.database", "smartshark")
	v.SetDefault("mongo.plugin_schema_collection", "plugin_schema")
	v.SetDefault("mongo.timeout_seconds", 10)

	v.SetDefault("validation.work_dir", "/tmp/harvest/validation")
	v.SetDefault("validation.similarity_threshold", DefaultSimilarityThreshold)
	v.SetDefault("validation.source_extensions", []string{".py", ".java"})
}

// BindSensitiveEnvVars explicitly binds credentials to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "HARVEST_DATABASE_PATH")
	v.BindEnv("cluster.password", "HARVEST_CLUSTER_PASSWORD")
	v.BindEnv("cluster.tunnel.password", "HARVEST_CLUSTER_TUNNEL_PASSWORD")
	v.BindEnv("mongo.password", "HARVEST_MONGO_PASSWORD")
}

// GetDatabasePath returns the configured job store path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// MongoURI builds a connection string from the mongo section
func (c *Config) MongoURI() string {
	hostPort := net.JoinHostPort(c.Mongo.Host, strconv.Itoa(c.Mongo.Port))
	if c.Mongo.User == "" {
		return "mongodb://" + hostPort
	}
	uri := fmt.Sprintf("mongodb://%s:%s@%s", c.Mongo.User, c.Mongo.Password, hostPort)
	if c.Mongo.AuthenticationDB != "" {
		uri += "/?authSource=" + c.Mongo.AuthenticationDB
	}
	return uri
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Backend: %s, Mongo: %s:%d/%s}",
		c.GetDatabasePath(), c.Backend.Identifier, c.Mongo.Host, c.Mongo.Port, c.Mongo.Database)
}
