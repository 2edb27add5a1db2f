package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultNeo4jDatabase = "neo4j"

type Neo4jConfig struct {
	Logger   *slog.Logger
	URI      string
	Database string
	Username string
	Password string
}

func (cfg *Neo4jConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URI == "" {
		return errors.New("neo4j uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultNeo4jDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "neo4j"
	}
	return nil
}

// Neo4jNetwork mirrors direct referral edges as (:Creator)-[:REFERRED]->(:Creator)
// and answers ancestor walks with variable-length path queries.
type Neo4jNetwork struct {
	log    *slog.Logger
	cfg    Neo4jConfig
	driver neo4j.DriverWithContext
}

var (
	_ Network    = (*Neo4jNetwork)(nil)
	_ EdgeMirror = (*Neo4jNetwork)(nil)
)

func NewNeo4jNetwork(ctx context.Context, cfg Neo4jConfig) (*Neo4jNetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	n := &Neo4jNetwork{log: cfg.Logger, cfg: cfg, driver: driver}
	if err := n.ensureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	cfg.Logger.Info("referral/neo4j: connected", "uri", cfg.URI, "database", cfg.Database)
	return n, nil
}

func (n *Neo4jNetwork) ensureSchema(ctx context.Context) error {
	_, err := neo4j.ExecuteQuery(ctx, n.driver,
		"CREATE CONSTRAINT creator_id IF NOT EXISTS FOR (c:Creator) REQUIRE c.id IS UNIQUE",
		nil, neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(n.cfg.Database))
	if err != nil {
		return fmt.Errorf("failed to create neo4j constraint: %w", err)
	}
	return nil
}

// MirrorEdge records a direct referral.
func (n *Neo4jNetwork) MirrorEdge(ctx context.Context, referrerID, refereeID string) error {
	if referrerID == refereeID {
		return ErrSelfReferral
	}
	_, err := neo4j.ExecuteQuery(ctx, n.driver, `
		MERGE (a:Creator {id: $referrer})
		MERGE (b:Creator {id: $referee})
		MERGE (a)-[r:REFERRED]->(b)
		ON CREATE SET r.active = true`,
		map[string]any{"referrer": referrerID, "referee": refereeID},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.cfg.Database),
		neo4j.ExecuteQueryWithWritersRouting())
	if err != nil {
		return fmt.Errorf("failed to mirror referral edge: %w", err)
	}
	return nil
}

// Ancestors walks active REFERRED relationships upward, nearest first.
func (n *Neo4jNetwork) Ancestors(ctx context.Context, refereeID string, limit int) ([]Ancestor, error) {
	if limit < 1 {
		return nil, nil
	}
	// Variable-length bounds cannot be parameters.
	query := fmt.Sprintf(`
		MATCH p = (a:Creator)-[:REFERRED*1..%d]->(:Creator {id: $id})
		WHERE all(r IN relationships(p) WHERE r.active)
		RETURN a.id AS id, length(p) AS depth
		ORDER BY depth`, limit)

	res, err := neo4j.ExecuteQuery(ctx, n.driver, query,
		map[string]any{"id": refereeID},
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(n.cfg.Database),
		neo4j.ExecuteQueryWithReadersRouting())
	if err != nil {
		return nil, fmt.Errorf("failed to query referral ancestors: %w", err)
	}

	out := make([]Ancestor, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, fmt.Errorf("failed to read ancestor id: %w", err)
		}
		depth, _, err := neo4j.GetRecordValue[int64](rec, "depth")
		if err != nil {
			return nil, fmt.Errorf("failed to read ancestor depth: %w", err)
		}
		out = append(out, Ancestor{ReferrerID: id, Depth: int(depth)})
	}
	return out, nil
}

func (n *Neo4jNetwork) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}
