// -----------------------------------------------------------------------
// syncctl: operator CLI for running one sync job outside the scheduler.
// -----------------------------------------------------------------------

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/crypto"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/pool"
	syncengine "github.com/ternarybob/syncd/internal/sync"

	_ "github.com/ternarybob/syncd/internal/connector/bigquery"
	_ "github.com/ternarybob/syncd/internal/connector/closecrm"
	_ "github.com/ternarybob/syncd/internal/connector/graphql"
	_ "github.com/ternarybob/syncd/internal/connector/posthog"
	_ "github.com/ternarybob/syncd/internal/connector/rest"
	_ "github.com/ternarybob/syncd/internal/connector/stripe"
)

// multiFlag collects repeated -e flags into a slice.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// allEntitiesSentinel is the interactive-mode multi-select value meaning
// "every connector entity".
const allEntitiesSentinel = "ALL"

func main() {
	connectorID := flag.String("s", "", "connector (source) id")
	destinationID := flag.String("d", "", "destination id")
	var entities multiFlag
	flag.Var(&entities, "e", "entity to sync (repeatable); omit for all connector entities")
	incremental := flag.Bool("incremental", false, "incremental sync instead of full")
	interactive := flag.Bool("i", false, "interactive mode")
	configFile := flag.String("config", "syncd.toml", "config file path")
	flag.Parse()

	logger := arbor.NewLogger().WithLevelFromString("info")

	cfg, err := common.LoadFromFile(*configFile)
	if err != nil {
		// Missing/unreadable config file is not fatal for the CLI; fall
		// back to defaults so syncctl works against a local DATABASE_URL.
		cfg = common.NewDefaultConfig()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
	defer app.close(context.Background())

	var req runRequest
	if *interactive {
		req, err = promptInteractive(ctx, app)
	} else {
		req, err = parseFlags(*connectorID, *destinationID, entities, *incremental)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}

	if err := runSync(ctx, app, req); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: sync failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("sync completed successfully")
	os.Exit(0)
}

// runRequest bundles the resolved inputs for one CLI-triggered sync,
// regardless of whether they came from flags or interactive prompts.
type runRequest struct {
	ConnectorID   models.ID
	DestinationID models.ID
	Entities      []string // empty means "all connector entities"
	Mode          models.SyncMode
}

func parseFlags(connectorIDHex, destinationIDHex string, entities multiFlag, incremental bool) (runRequest, error) {
	if connectorIDHex == "" || destinationIDHex == "" {
		return runRequest{}, fmt.Errorf("-s <connectorId> and -d <destinationId> are required (or pass -i for interactive mode)")
	}
	connID, err := models.ParseID(connectorIDHex)
	if err != nil {
		return runRequest{}, fmt.Errorf("invalid connector id %q: %w", connectorIDHex, err)
	}
	destID, err := models.ParseID(destinationIDHex)
	if err != nil {
		return runRequest{}, fmt.Errorf("invalid destination id %q: %w", destinationIDHex, err)
	}

	mode := models.SyncModeFull
	if incremental {
		mode = models.SyncModeIncremental
	}

	return runRequest{ConnectorID: connID, DestinationID: destID, Entities: []string(entities), Mode: mode}, nil
}

// app bundles the dependencies one CLI sync run needs: a control-plane
// gateway, the connector registry, and a connection pool scoped to this
// process's lifetime.
type app struct {
	gateway      *configstore.Gateway
	registry     *connector.Registry
	pool         *pool.Pool
	controlClient *mongo.Client
	logger       arbor.ILogger
}

func newApp(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*app, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = cfg.Database.ConnectionString
	}
	dbName := os.Getenv("DATABASE_NAME")
	if dbName == "" {
		dbName = cfg.Database.Database
	}
	encHex := os.Getenv("ENCRYPTION_KEY")
	if encHex == "" {
		encHex = cfg.Encryption.KeyHex
	}
	encKey, err := crypto.DecodeKey(encHex)
	if err != nil {
		return nil, fmt.Errorf("decode ENCRYPTION_KEY: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect control plane: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping control plane: %w", err)
	}

	gateway := configstore.New(client.Database(dbName), connector.Default, encKey)
	connPool := pool.New(logger, pool.Options{})

	return &app{
		gateway:       gateway,
		registry:      connector.Default,
		pool:          connPool,
		controlClient: client,
		logger:        logger,
	}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.pool.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = a.controlClient.Disconnect(shutdownCtx)
}

// runSync drives exactly the entities named in req through the chunked
// runner (or the unchunked path, per connector capability), bypassing the
// job runtime's singleton guard and Execution bookkeeping entirely: this
// is a direct, synchronous, one-shot sync for operator use.
func runSync(ctx context.Context, a *app, req runRequest) error {
	connCfg, err := a.gateway.GetConnector(ctx, req.ConnectorID)
	if err != nil {
		return fmt.Errorf("load connector: %w", err)
	}
	dest, err := a.gateway.GetDestination(ctx, req.DestinationID)
	if err != nil {
		return fmt.Errorf("load destination: %w", err)
	}

	conn, err := a.registry.GetConnector(*connCfg)
	if err != nil {
		return fmt.Errorf("construct connector: %w", err)
	}

	validation := conn.ValidateConfig()
	if !validation.Valid {
		return fmt.Errorf("connector config invalid: %s", strings.Join(validation.Errors, "; "))
	}
	result, err := conn.TestConnection(ctx)
	if err != nil || !result.Success {
		return fmt.Errorf("connector test connection failed: %s (%v)", result.Message, err)
	}

	entities := req.Entities
	if len(entities) == 0 {
		entities, err = conn.GetAvailableEntities(ctx)
		if err != nil {
			return fmt.Errorf("list connector entities: %w", err)
		}
	}
	if err := validateEntityFilter(entities, conn); err != nil {
		return err
	}

	destDB, err := a.pool.Get(ctx, pool.Key{Context: pool.ContextDestination, Identifier: dest.ID.Hex()},
		func(ctx context.Context, _ string) (pool.Connection, error) {
			return pool.Connection{ConnectionString: dest.Connection.ConnectionString, Database: dest.Connection.Database}, nil
		})
	if err != nil {
		return fmt.Errorf("acquire destination handle: %w", err)
	}

	executor := syncengine.NewExecutor(a.logger)
	chunked := syncengine.NewChunkedRunner(executor, a.logger)

	for _, entity := range entities {
		fmt.Printf("syncing entity %q (%s)...\n", entity, req.Mode)

		syncReq := syncengine.EntitySyncRequest{
			Connector:     conn,
			Destination:   destDB,
			ConnectorID:   connCfg.ID,
			ConnectorName: connCfg.Name,
			Entity:        entity,
			Mode:          req.Mode,
			Settings:      connCfg.Settings,
		}

		var n int64
		if conn.SupportsResumableFetching() {
			n, err = chunked.RunEntityChunked(ctx, syncReq, syncengine.DefaultChunkIterations, func(ctx context.Context, result syncengine.ChunkResult) error {
				fmt.Printf("  chunk: totalProcessed=%d hasMore=%v\n", result.State.TotalProcessed, result.State.HasMore)
				return nil
			})
		} else {
			var chunkResult syncengine.ChunkResult
			chunkResult, err = executor.RunChunk(ctx, syncReq, syncengine.DefaultChunkIterations)
			n = chunkResult.RecordsWritten
		}
		if err != nil {
			return fmt.Errorf("entity %s: %w", entity, err)
		}
		fmt.Printf("  entity %q complete: %d records\n", entity, n)
	}

	return nil
}

func validateEntityFilter(requested []string, conn connector.Connector) error {
	available, err := conn.GetAvailableEntities(context.Background())
	if err != nil {
		return fmt.Errorf("list connector entities: %w", err)
	}
	allowed := make(map[string]bool, len(available))
	for _, e := range available {
		allowed[e] = true
	}
	for _, e := range requested {
		if !allowed[e] {
			return fmt.Errorf("entity %q is not supported by this connector (available: %s)", e, strings.Join(available, ", "))
		}
	}
	return nil
}

// promptInteractive walks the operator through workspace -> connector ->
// destination -> entities (multi-select, ALL sentinel) -> mode -> confirm.
func promptInteractive(ctx context.Context, app *app) (runRequest, error) {
	reader := bufio.NewReader(os.Stdin)

	workspaces, err := app.gateway.ListWorkspaces(ctx)
	if err != nil {
		return runRequest{}, fmt.Errorf("list workspaces: %w", err)
	}
	ws, err := promptSelect(reader, "workspace", workspaces, func(w models.Workspace) string {
		return fmt.Sprintf("%s (%s)", w.Name, w.ID.Hex())
	})
	if err != nil {
		return runRequest{}, err
	}

	wsID := ws.ID
	connectors, err := app.gateway.ListActiveConnectors(ctx, &wsID)
	if err != nil {
		return runRequest{}, fmt.Errorf("list connectors: %w", err)
	}
	connCfg, err := promptSelect(reader, "connector", connectors, func(c models.ConnectorConfig) string {
		return fmt.Sprintf("%s [%s] (%s)", c.Name, c.Type, c.ID.Hex())
	})
	if err != nil {
		return runRequest{}, err
	}

	destinations, err := app.gateway.ListDestinations(ctx, wsID)
	if err != nil {
		return runRequest{}, fmt.Errorf("list destinations: %w", err)
	}
	dest, err := promptSelect(reader, "destination", destinations, func(d models.Destination) string {
		return fmt.Sprintf("%s (%s)", d.Name, d.ID.Hex())
	})
	if err != nil {
		return runRequest{}, err
	}

	conn, err := app.registry.GetConnector(connCfg)
	if err != nil {
		return runRequest{}, fmt.Errorf("construct connector: %w", err)
	}
	available, err := conn.GetAvailableEntities(ctx)
	if err != nil {
		return runRequest{}, fmt.Errorf("list connector entities: %w", err)
	}
	sort.Strings(available)

	entities, err := promptMultiSelect(reader, "entities", available)
	if err != nil {
		return runRequest{}, err
	}

	mode, err := promptMode(reader)
	if err != nil {
		return runRequest{}, err
	}

	fmt.Printf("\nAbout to run a %s sync of %v for connector %q into destination %q. Continue? [y/N] ", mode, entities, connCfg.Name, dest.Name)
	line, _ := reader.ReadString('\n')
	if !strings.EqualFold(strings.TrimSpace(line), "y") {
		return runRequest{}, fmt.Errorf("aborted by operator")
	}

	return runRequest{ConnectorID: connCfg.ID, DestinationID: dest.ID, Entities: entities, Mode: mode}, nil
}

func promptSelect[T any](reader *bufio.Reader, label string, items []T, display func(T) string) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, fmt.Errorf("no %s available", label)
	}
	fmt.Printf("\nSelect %s:\n", label)
	for i, it := range items {
		fmt.Printf("  %d) %s\n", i+1, display(it))
	}
	fmt.Print("> ")
	line, _ := reader.ReadString('\n')
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 1 || idx > len(items) {
		return zero, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return items[idx-1], nil
}

// promptMultiSelect reads a comma-separated list of indices, or the ALL
// sentinel for every available entity.
func promptMultiSelect(reader *bufio.Reader, label string, items []string) ([]string, error) {
	fmt.Printf("\nSelect %s (comma-separated indices, or %q for all):\n", label, allEntitiesSentinel)
	for i, it := range items {
		fmt.Printf("  %d) %s\n", i+1, it)
	}
	fmt.Print("> ")
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, allEntitiesSentinel) {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 1 || idx > len(items) {
			return nil, fmt.Errorf("invalid entity selection %q", part)
		}
		out = append(out, items[idx-1])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one entity (or %q) must be selected", allEntitiesSentinel)
	}
	return out, nil
}

func promptMode(reader *bufio.Reader) (models.SyncMode, error) {
	fmt.Print("\nSync mode [full|incremental] (default full): ")
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	switch line {
	case "", "full":
		return models.SyncModeFull, nil
	case "incremental":
		return models.SyncModeIncremental, nil
	default:
		return "", fmt.Errorf("invalid sync mode %q", line)
	}
}
