package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-call-manager/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session and, unless disabled, ensures the
// transition log table exists.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	s := &Scylla{session: session}
	if !cfg.DisableInitSchema {
		if err := s.initSchema(); err != nil {
			session.Close()
			return nil, err
		}
	}
	return s, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func (s *Scylla) initSchema() error {
	// to_status in the clustering key keeps same-millisecond hops distinct,
	// and makes duplicate appends from redelivery coalesce. Rows expire after
	// seven days; the audit trail only backs the recent-history API.
	err := s.session.Query(`CREATE TABLE IF NOT EXISTS transition_log (
		call_id text,
		at timestamp,
		from_status text,
		to_status text,
		attempt int,
		PRIMARY KEY (call_id, at, to_status)
	) WITH CLUSTERING ORDER BY (at ASC, to_status ASC)
	AND default_time_to_live = 604800`).Exec()
	if err != nil {
		return fmt.Errorf("scylla: init schema: %w", err)
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
