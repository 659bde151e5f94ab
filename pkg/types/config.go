package types

import (
	"strings"
	"time"
)

// API prefix selectors for the remote server
const (
	APIVersionAuto = "auto"
	APIVersionV1   = "v1"
	APIVersionV2   = "v2"
)

// AppConfig is the root configuration for orchfs
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Server  ServerConfig  `key:"server" json:"server"`
	Token   TokenConfig   `key:"token" json:"token"`
	Cache   CacheConfig   `key:"cache" json:"cache"`
	Listing ListingConfig `key:"listing" json:"listing"`
	Backup  BackupConfig  `key:"backup" json:"backup"`
	Lock    LockConfig    `key:"lock" json:"lock"`
	Events  EventsConfig  `key:"events" json:"events"`
	Mount   MountConfig   `key:"mount" json:"mount"`
	API     APIConfig     `key:"api" json:"api"`
}

// ----------------------------------------------------------------------------
// Remote Server Configuration
// ----------------------------------------------------------------------------

type ServerConfig struct {
	Address            string        `key:"address" json:"address" validate:"required"`
	Port               int           `key:"port" json:"port" validate:"gte=1,lte=65535"`
	AuthPort           int           `key:"authPort" json:"auth_port" validate:"gte=1,lte=65535"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"-"`
	Timeout            time.Duration `key:"timeout" json:"timeout" validate:"gt=0"`
	APIVersion         string        `key:"apiVersion" json:"api_version" validate:"omitempty,oneof=auto v1 v2"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
}

// SameEndpoint reports whether two server configs point at the same server with
// the same credentials. Any difference invalidates the session and all caches;
// the remaining fields only affect the transport.
func (c ServerConfig) SameEndpoint(o ServerConfig) bool {
	return strings.EqualFold(c.Address, o.Address) &&
		c.Port == o.Port &&
		c.AuthPort == o.AuthPort &&
		c.Username == o.Username &&
		c.Password == o.Password &&
		c.APIVersion == o.APIVersion
}

type TokenConfig struct {
	RevokeAfter time.Duration `key:"revokeAfter" json:"revoke_after" validate:"gt=0"`
}

// ----------------------------------------------------------------------------
// Cache and Listing Configuration
// ----------------------------------------------------------------------------

type CacheConfig struct {
	Size int           `key:"size" json:"size" validate:"gte=0"`
	TTL  time.Duration `key:"ttl" json:"ttl" validate:"gte=0"`
}

type ListingConfig struct {
	ExcludeTags []string `key:"excludeTags" json:"exclude_tags"`
}

// ----------------------------------------------------------------------------
// Backup Configuration
// ----------------------------------------------------------------------------

type S3Config struct {
	Bucket         string `key:"bucket" json:"bucket"`
	Region         string `key:"region" json:"region"`
	Endpoint       string `key:"endpoint" json:"endpoint"`
	AccessKey      string `key:"accessKey" json:"access_key"`
	SecretKey      string `key:"secretKey" json:"-"`
	Prefix         string `key:"prefix" json:"prefix"`
	ForcePathStyle bool   `key:"forcePathStyle" json:"force_path_style"`
}

type BackupConfig struct {
	Enabled bool     `key:"enabled" json:"enabled"`
	Path    string   `key:"path" json:"path"`
	S3      S3Config `key:"s3" json:"s3"`
}

// ----------------------------------------------------------------------------
// Lock and Event Configuration
// ----------------------------------------------------------------------------

type RedisConfig struct {
	Addrs    []string `key:"addrs" json:"addrs"`
	Username string   `key:"username" json:"username"`
	Password string   `key:"password" json:"-"`
	DB       int      `key:"db" json:"db"`
}

// Enabled returns true when at least one redis address is configured
func (c RedisConfig) Enabled() bool {
	return len(c.Addrs) > 0 && c.Addrs[0] != ""
}

type LockConfig struct {
	TTL   time.Duration `key:"ttl" json:"ttl" validate:"gte=0"`
	Redis RedisConfig   `key:"redis" json:"redis"`
}

type EventsConfig struct {
	// Redis publishes change events over the lock redis so other sessions
	// drop their caches when this one mutates a resource.
	Redis bool `key:"redis" json:"redis"`
}

// ----------------------------------------------------------------------------
// Host Configuration
// ----------------------------------------------------------------------------

type MountConfig struct {
	MountPoint string `key:"mountPoint" json:"mount_point"`
	// DirectIO bypasses the kernel page cache so every read reaches the server.
	DirectIO bool `key:"directIO" json:"direct_io"`
	// Uid and Gid own every entry. Zero means the mounting user.
	Uid       uint32        `key:"uid" json:"uid"`
	Gid       uint32        `key:"gid" json:"gid"`
	OpTimeout time.Duration `key:"opTimeout" json:"op_timeout" validate:"gte=0"`
}

type APIConfig struct {
	Addr string `key:"addr" json:"addr"`
	// Token, when set, must be sent as a bearer token on every /api/v1 call.
	Token string `key:"token" json:"-"`
}
