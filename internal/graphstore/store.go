// Package graphstore exports recovered call graphs into Neo4j.
package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/maxgio92/elfscope"
)

// Config holds the Neo4j connection settings.
type Config struct {
	URI      string
	User     string
	Password string
	// Database selects the target database; empty uses the server default.
	Database string
}

// Store loads call graph data into Neo4j using batched UNWIND queries.
// Functions are Function nodes keyed by binary path and start address,
// attached to a Binary node; resolved calls are CALLS relationships.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   zerolog.Logger
}

// New connects to Neo4j and verifies the connection.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", cfg.URI, err)
	}
	return &Store{driver: driver, database: cfg.Database, logger: logger}, nil
}

// Close releases the underlying driver resources.
func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Store) run(ctx context.Context, cypher string, params map[string]any) error {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if s.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(s.database))
	}
	_, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	return err
}

// CreateIndexes ensures the lookup indexes exist.
func (s *Store) CreateIndexes(ctx context.Context) error {
	s.logger.Debug().Msg("Creating indexes")
	indexes := []string{
		"CREATE INDEX elf_binary_path IF NOT EXISTS FOR (n:Binary) ON (n.path)",
		"CREATE INDEX elf_function_key IF NOT EXISTS FOR (n:Function) ON (n.key)",
		"CREATE INDEX elf_library_soname IF NOT EXISTS FOR (n:Library) ON (n.soname)",
	}
	for _, q := range indexes {
		if err := s.run(ctx, q, nil); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Clean removes the nodes previously exported for binary.
func (s *Store) Clean(ctx context.Context, binary string) error {
	s.logger.Debug().Str("binary", binary).Msg("Cleaning previous export")
	return s.run(ctx,
		`MATCH (f:Function {binary: $binary}) DETACH DELETE f`,
		map[string]any{"binary": binary},
	)
}

// ExportCallGraph upserts the functions of table and the resolved edges of
// graph for binary.
func (s *Store) ExportCallGraph(ctx context.Context, binary string, table *elfscope.FunctionTable, graph *elfscope.CallGraph) error {
	if err := s.run(ctx,
		`MERGE (b:Binary {path: $binary})`,
		map[string]any{"binary": binary},
	); err != nil {
		return fmt.Errorf("failed to upsert binary: %w", err)
	}

	functions := FunctionRows(binary, table, graph)
	s.logger.Info().Int("functions", len(functions)).Msg("Loading functions")
	if err := s.run(ctx,
		`UNWIND $batch AS row
		 MERGE (f:Function {key: row.key})
		 SET f.binary = row.binary, f.name = row.name, f.start = row.start,
		     f.end = row.end, f.aliases = row.aliases, f.synthetic = row.synthetic,
		     f.unresolved_calls = row.unresolved
		 WITH f, row
		 MATCH (b:Binary {path: row.binary})
		 MERGE (f)-[:IN_BINARY]->(b)`,
		map[string]any{"batch": functions},
	); err != nil {
		return fmt.Errorf("failed to load functions: %w", err)
	}

	edges := EdgeRows(binary, table, graph)
	s.logger.Info().Int("edges", len(edges)).Msg("Loading call edges")
	if len(edges) == 0 {
		return nil
	}
	if err := s.run(ctx,
		`UNWIND $batch AS row
		 MATCH (caller:Function {key: row.caller})
		 MERGE (callee:Function {key: row.callee})
		 ON CREATE SET callee.binary = row.binary, callee.name = row.callee_name,
		               callee.start = row.callee_start
		 MERGE (caller)-[r:CALLS {site: row.site}]->(callee)
		 SET r.resolution = row.resolution, r.slot = row.slot`,
		map[string]any{"batch": edges},
	); err != nil {
		return fmt.Errorf("failed to load call edges: %w", err)
	}
	return nil
}

// ExportLinking upserts the load order of report as Library nodes with
// NEEDS relationships from binary and one IMPORTS relationship per resolved
// symbol.
func (s *Store) ExportLinking(ctx context.Context, binary string, report *elfscope.LinkReport) error {
	libs := LibraryRows(report)
	s.logger.Info().Int("libraries", len(libs)).Msg("Loading libraries")
	if len(libs) == 0 {
		return nil
	}
	if err := s.run(ctx,
		`MERGE (b:Binary {path: $binary})
		 WITH b
		 UNWIND $batch AS row
		 MERGE (l:Library {soname: row.soname})
		 SET l.path = row.path, l.resolved = row.resolved
		 MERGE (b)-[n:NEEDS]->(l)
		 SET n.order = row.order`,
		map[string]any{"binary": binary, "batch": libs},
	); err != nil {
		return fmt.Errorf("failed to load libraries: %w", err)
	}

	var symbols []map[string]any
	for soname, names := range report.ByLibrary {
		for _, name := range names {
			symbols = append(symbols, map[string]any{"soname": soname, "symbol": name})
		}
	}
	if len(symbols) == 0 {
		return nil
	}
	if err := s.run(ctx,
		`MATCH (b:Binary {path: $binary})
		 UNWIND $batch AS row
		 MATCH (l:Library {soname: row.soname})
		 MERGE (b)-[:IMPORTS {symbol: row.symbol}]->(l)`,
		map[string]any{"binary": binary, "batch": symbols},
	); err != nil {
		return fmt.Errorf("failed to load symbol resolutions: %w", err)
	}
	return nil
}

// FunctionKey identifies the function starting at addr in binary.
func FunctionKey(binary string, addr uint64) string {
	return fmt.Sprintf("%s@0x%x", binary, addr)
}

// FunctionRows converts the function table into UNWIND rows.
func FunctionRows(binary string, table *elfscope.FunctionTable, graph *elfscope.CallGraph) []map[string]any {
	fns := table.Functions()
	rows := make([]map[string]any, 0, len(fns))
	for _, fn := range fns {
		unresolved := 0
		for _, e := range graph.Edges(fn.Start) {
			if e.Resolution == elfscope.ResolutionIndirectUnresolved {
				unresolved++
			}
		}
		aliases := fn.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		rows = append(rows, map[string]any{
			"key":        FunctionKey(binary, fn.Start),
			"binary":     binary,
			"name":       fn.Name,
			"start":      int64(fn.Start),
			"end":        int64(fn.End),
			"aliases":    aliases,
			"synthetic":  fn.Synthetic,
			"unresolved": unresolved,
		})
	}
	return rows
}

// EdgeRows converts the resolved edges of graph into UNWIND rows. Unresolved
// edges have no callee node and are only counted on their caller.
func EdgeRows(binary string, table *elfscope.FunctionTable, graph *elfscope.CallGraph) []map[string]any {
	var rows []map[string]any
	for _, fn := range graph.Functions() {
		for _, e := range graph.Edges(fn) {
			if e.Resolution == elfscope.ResolutionIndirectUnresolved {
				continue
			}
			rows = append(rows, map[string]any{
				"binary":       binary,
				"caller":       FunctionKey(binary, e.Caller),
				"callee":       FunctionKey(binary, e.Callee),
				"callee_name":  table.Name(e.Callee),
				"callee_start": int64(e.Callee),
				"site":         int64(e.Site),
				"slot":         int64(e.Slot),
				"resolution":   e.Resolution.String(),
			})
		}
	}
	return rows
}

// LibraryRows converts a load order into UNWIND rows.
func LibraryRows(report *elfscope.LinkReport) []map[string]any {
	rows := make([]map[string]any, 0, len(report.LoadOrder))
	for i, lib := range report.LoadOrder {
		rows = append(rows, map[string]any{
			"soname":   lib.Soname,
			"path":     lib.Path,
			"resolved": lib.Resolved,
			"order":    i,
		})
	}
	return rows
}
