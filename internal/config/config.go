package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalid marks a configuration that must stop startup.
var ErrInvalid = errors.New("invalid configuration")

// Settings keeps all configuration options.
// Naming mirrors the env keys to avoid translation layers elsewhere.
type Settings struct {
	Port           int
	DBFile         string
	DataFolder     string
	Network        string // testnet | mainnet
	DefaultBackend string

	TopicID    string
	MirrorURL  string
	AccountID  string // operator credentials for topic submission (external tooling)
	PrivateKey string
	KeyType    string // ECDSA | Ed25519

	PollInterval     time.Duration
	ChunkTTL         time.Duration
	ChallengeTimeout time.Duration
	DrainTimeout     time.Duration
	Fanout           int

	Verbosity string
}

// Load reads settings from environment supporting both UPPER_CASE and
// lower_case keys.
func Load() Settings {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
		return def
	}
	getMS := func(keys []string, def time.Duration) time.Duration {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		return def
	}

	st := Settings{}
	st.Port = getInt([]string{"port", "PORT"}, 8545)
	st.DataFolder = get([]string{"data_folder", "DATA_FOLDER"}, ".")
	st.DBFile = get([]string{"db_file", "DB_FILE"}, "")
	if st.DBFile == "" {
		st.DBFile = filepath.Join(st.DataFolder, "routing_db.json")
	}
	st.Network = strings.ToLower(get([]string{"network", "NETWORK"}, "testnet"))
	st.DefaultBackend = get([]string{"default_backend", "DEFAULT_BACKEND"}, "https://testnet.hashio.io/api")

	st.TopicID = get([]string{"topic_id", "TOPIC_ID"}, "")
	st.MirrorURL = get([]string{"mirror_url", "MIRROR_URL"}, defaultMirror(st.Network))
	st.AccountID = get([]string{"account_id", "ACCOUNT_ID"}, "")
	st.PrivateKey = get([]string{"private_key", "PRIVATE_KEY"}, "")
	st.KeyType = get([]string{"key_type", "KEY_TYPE"}, "ECDSA")

	st.PollInterval = getMS([]string{"poll_interval_ms", "POLL_INTERVAL_MS"}, 2*time.Second)
	st.ChunkTTL = getMS([]string{"chunk_ttl_ms", "CHUNK_TTL_MS"}, 60*time.Second)
	st.ChallengeTimeout = getMS([]string{"challenge_timeout_ms", "CHALLENGE_TIMEOUT_MS"}, 30*time.Second)
	st.DrainTimeout = getMS([]string{"drain_timeout_ms", "DRAIN_TIMEOUT_MS"}, 10*time.Second)
	st.Fanout = getInt([]string{"challenge_fanout", "CHALLENGE_FANOUT"}, 4)

	st.Verbosity = get([]string{"verbosity", "VERBOSITY"}, "info")
	return st
}

func defaultMirror(network string) string {
	if network == "mainnet" {
		return "https://mainnet-public.mirrornode.hedera.com"
	}
	return "https://testnet.mirrornode.hedera.com"
}

// Validate rejects configurations the daemon cannot start with.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return errors.Wrapf(ErrInvalid, "port %d", s.Port)
	}
	if s.Network != "testnet" && s.Network != "mainnet" {
		return errors.Wrapf(ErrInvalid, "network %q (want testnet or mainnet)", s.Network)
	}
	if u, err := url.Parse(s.DefaultBackend); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.Wrapf(ErrInvalid, "default backend %q is not an absolute http(s) url", s.DefaultBackend)
	}
	if s.TopicID == "" {
		return errors.Wrap(ErrInvalid, "TOPIC_ID is required")
	}
	if s.KeyType != "ECDSA" && s.KeyType != "Ed25519" {
		return errors.Wrapf(ErrInvalid, "key type %q (want ECDSA or Ed25519)", s.KeyType)
	}
	return nil
}
