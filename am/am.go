package am

// Config represents the harvest configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Backend    BackendConfig    `mapstructure:"backend" toml:"backend"`
	Cluster    ClusterConfig    `mapstructure:"cluster" toml:"cluster"`
	Queue      QueueConfig      `mapstructure:"queue" toml:"queue"`
	Mongo      MongoConfig      `mapstructure:"mongo" toml:"mongo"`
	Validation ValidationConfig `mapstructure:"validation" toml:"validation"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// BackendConfig selects the execution backend
type BackendConfig struct {
	Identifier string `mapstructure:"identifier" toml:"identifier"` // GWDG, HPC or LOCALQUEUE
}

// ClusterConfig configures the SSH/SLURM cluster backend
type ClusterConfig struct {
	Host         string   `mapstructure:"host" toml:"host"`
	Port         int      `mapstructure:"port" toml:"port"`
	Username     string   `mapstructure:"username" toml:"username"`
	Password     string   `mapstructure:"password" toml:"password"`
	KeyPath      string   `mapstructure:"key_path" toml:"key_path"` // private key, preferred over password when set
	Queue        string   `mapstructure:"queue" toml:"queue"`
	CoresPerJob  int      `mapstructure:"cores_per_job" toml:"cores_per_job"`
	HostsPerJob  int      `mapstructure:"hosts_per_job" toml:"hosts_per_job"`
	TimeLimit    string   `mapstructure:"time_limit" toml:"time_limit"` // sbatch -t value
	NodeFeatures []string `mapstructure:"node_features" toml:"node_features"`
	RootPath     string   `mapstructure:"root_path" toml:"root_path"`
	LogPath      string   `mapstructure:"log_path" toml:"log_path"`
	LocalLogPath string   `mapstructure:"local_log_path" toml:"local_log_path"` // mounted mirror of log_path, empty = fetch over SFTP
	VCSPlugin    string   `mapstructure:"vcs_plugin" toml:"vcs_plugin"`         // plugin whose presence forces a fresh clone

	Tunnel TunnelConfig `mapstructure:"tunnel" toml:"tunnel"`
}

// TunnelConfig configures the optional jump host in front of the cluster
type TunnelConfig struct {
	Enabled        bool    `mapstructure:"enabled" toml:"enabled"`
	Host           string  `mapstructure:"host" toml:"host"`
	Port           int     `mapstructure:"port" toml:"port"`
	Username       string  `mapstructure:"username" toml:"username"`
	Password       string  `mapstructure:"password" toml:"password"`
	BaseLocalPort  int     `mapstructure:"base_local_port" toml:"base_local_port"`   // first local forward port tried
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`   // wall-clock bound on establishment
	AttemptsPerSec float64 `mapstructure:"attempts_per_sec" toml:"attempts_per_sec"` // retry pacing
}

// QueueConfig configures the local work queue backend and its workers
type QueueConfig struct {
	RootPath       string `mapstructure:"root_path" toml:"root_path"` // project checkouts
	PluginPath     string `mapstructure:"plugin_path" toml:"plugin_path"`
	OutputPath     string `mapstructure:"output_path" toml:"output_path"`
	Workers        int    `mapstructure:"workers" toml:"workers"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	CoresPerJob    int    `mapstructure:"cores_per_job" toml:"cores_per_job"` // 0 = logical CPU count
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// MongoConfig configures the collected-data store
type MongoConfig struct {
	Host                   string `mapstructure:"host" toml:"host"`
	Port                   int    `mapstructure:"port" toml:"port"`
	Database               string `mapstructure:"database" toml:"database"`
	User                   string `mapstructure:"user" toml:"user"`
	Password               string `mapstructure:"password" toml:"password"`
	AuthenticationDB       string `mapstructure:"authentication_db" toml:"authentication_db"`
	PluginSchemaCollection string `mapstructure:"plugin_schema_collection" toml:"plugin_schema_collection"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
}

// ValidationConfig configures the commit validation engine
type ValidationConfig struct {
	WorkDir             string   `mapstructure:"work_dir" toml:"work_dir"` // parent of per-project checkouts
	SimilarityThreshold int      `mapstructure:"similarity_threshold" toml:"similarity_threshold"`
	SourceExtensions    []string `mapstructure:"source_extensions" toml:"source_extensions"`
	ReportPath          string   `mapstructure:"report_path" toml:"report_path"`
}

// Backend identifiers
const (
	BackendGWDG       = "GWDG"
	BackendHPC        = "HPC"
	BackendLocalQueue = "LOCALQUEUE"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
	ExecutablePermissions  = 0755 // Executable file permissions (rwxr-xr-x)
)
