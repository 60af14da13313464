package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/sony/gobreaker"
	"go.uber.org/fx"

	"github.com/agoramaps/agora.graph/internal/config"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
)

// Gateway is the sole access path to the graph store. Every statement runs
// through a circuit breaker so a struggling Neo4j does not stall the whole
// mutation path; callers see breaker rejections as storage failures.
type Gateway struct {
	driver  neo4j.DriverWithContext
	db      string
	timeout time.Duration
	literal bool
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewGateway connects to the graph store and verifies connectivity on start.
func NewGateway(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	g, err := Dial(cfg, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := g.VerifyConnectivity(ctx); err != nil {
				return err
			}
			g.log.Info("connected to graph store", slog.String("uri", cfg.Graph.URI))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return g.Close(ctx)
		},
	})

	return g, nil
}

// Dial builds a gateway without verifying connectivity. Callers outside the
// fx app (one-shot CLIs) own the Close call.
func Dial(cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.Graph.URI,
		neo4j.BasicAuth(cfg.Graph.Username, cfg.Graph.Password, ""),
		func(c *neo4jconfig.Config) {
			c.MaxConnectionPoolSize = cfg.Graph.MaxPoolSize
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	scoped := log.With(logger.Scope("graph.gateway"))
	g := &Gateway{
		driver:  driver,
		db:      cfg.Graph.Database,
		timeout: cfg.Graph.QueryTimeout,
		literal: cfg.Graph.LiteralQueries,
		log:     scoped,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "neo4j",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			scoped.Warn("graph store circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return g, nil
}

// VerifyConnectivity checks that the graph store is reachable.
func (g *Gateway) VerifyConnectivity(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j connectivity check failed: %w", err)
	}
	return nil
}

// Close releases the underlying driver.
func (g *Gateway) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// run executes one statement in its own session and collects all records.
func (g *Gateway) run(ctx context.Context, mode neo4j.AccessMode, stmt statement) ([]*neo4j.Record, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		runCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		session := g.driver.NewSession(runCtx, neo4j.SessionConfig{
			AccessMode:   mode,
			DatabaseName: g.db,
		})
		defer session.Close(runCtx)

		query, params := stmt.query, stmt.params
		if g.literal {
			query, params = stmt.Literal(), nil
		}

		result, err := session.Run(runCtx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(runCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperror.NewStorage("graph store unavailable", err)
		}
		return nil, apperror.NewStorage("graph store query failed", err)
	}
	return out.([]*neo4j.Record), nil
}

// CreateNode writes a node with the given id and full property snapshot.
// Replaying the same create converges on the same node.
func (g *Gateway) CreateNode(ctx context.Context, id uuid.UUID, props NodeProps) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, createNodeStmt(id, props))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return apperror.NewStorage("graph store did not acknowledge node create", nil)
	}
	return nil
}

// GetNode reads one node by id.
func (g *Gateway) GetNode(ctx context.Context, id uuid.UUID) (*Node, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, getNodeStmt(id))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperror.NewNotFound("node", id.String())
	}
	return nodeFromRecord(id, records[0])
}

// UpdateNode replaces the node's property snapshot.
func (g *Gateway) UpdateNode(ctx context.Context, id uuid.UUID, props NodeProps) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, updateNodeStmt(id, props))
	if err != nil {
		return err
	}
	if countField(records, "updated") == 0 {
		return apperror.NewNotFound("node", id.String())
	}
	return nil
}

// DeleteNode removes the node and any edges still attached to it. Deleting a
// node that is already gone is not an error; replayed deletes converge.
func (g *Gateway) DeleteNode(ctx context.Context, id uuid.UUID) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, deleteNodeStmt(id))
	if err != nil {
		return err
	}
	if countField(records, "deleted") == 0 {
		g.log.Debug("delete of absent node", slog.String("node_id", id.String()))
	}
	return nil
}

// CreateEdge writes a connection between two existing nodes.
func (g *Gateway) CreateEdge(ctx context.Context, id, srcID, dstID uuid.UUID, props ConnectionProps) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, createEdgeStmt(id, srcID, dstID, props))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return apperror.NewNotFound("connection endpoint", srcID.String()+" -> "+dstID.String())
	}
	return nil
}

// GetEdge reads one connection by its edge id.
func (g *Gateway) GetEdge(ctx context.Context, id uuid.UUID) (*Edge, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, getEdgeStmt(id))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperror.NewNotFound("connection", id.String())
	}
	return edgeFromRecord(records[0])
}

// GetEdgesByComposite reads every member of a compound connection group.
func (g *Gateway) GetEdgesByComposite(ctx context.Context, compositeID uuid.UUID) ([]Edge, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, edgesByCompositeStmt(compositeID))
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(records)
}

// GetEdgesTouching reads every connection that starts or ends at the node.
func (g *Gateway) GetEdgesTouching(ctx context.Context, nodeID uuid.UUID) ([]Edge, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, edgesTouchingStmt(nodeID))
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(records)
}

// UpdateEdge replaces the connection's property snapshot.
func (g *Gateway) UpdateEdge(ctx context.Context, id uuid.UUID, props ConnectionProps) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, updateEdgeStmt(id, props))
	if err != nil {
		return err
	}
	if countField(records, "updated") == 0 {
		return apperror.NewNotFound("connection", id.String())
	}
	return nil
}

// DeleteEdge removes one connection. Absent edges are not an error.
func (g *Gateway) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	records, err := g.run(ctx, neo4j.AccessModeWrite, deleteEdgeStmt(id))
	if err != nil {
		return err
	}
	if countField(records, "deleted") == 0 {
		g.log.Debug("delete of absent edge", slog.String("edge_id", id.String()))
	}
	return nil
}

// ScanNodeIDs pages through every node id in the graph store.
func (g *Gateway) ScanNodeIDs(ctx context.Context, offset, limit int) ([]uuid.UUID, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, scanNodeIDsStmt(offset, limit))
	if err != nil {
		return nil, err
	}
	return idsFromRecords(records)
}

// ScanEdgeIDs pages through every connection id in the graph store.
func (g *Gateway) ScanEdgeIDs(ctx context.Context, offset, limit int) ([]uuid.UUID, error) {
	records, err := g.run(ctx, neo4j.AccessModeRead, scanEdgeIDsStmt(offset, limit))
	if err != nil {
		return nil, err
	}
	return idsFromRecords(records)
}
